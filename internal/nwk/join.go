package nwk

import (
	"errors"
	"fmt"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/mac"
	"zigpan/internal/registry"
)

// handleAssociation runs the admission gate for an association request
// and, when the device is let in, starts the join sequence: an indirect
// association response now, the key handshake once the device picks it
// up.
func (m *Manager) handleAssociation(ieee frame.IEEEAddr, caps frame.CapabilityInfo) {
	if !m.permitOpen(m.now) {
		m.logger.Info("association outside permit window", "ieee", ieee)
		m.denyAssociation(ieee, frame.AssocAccessDenied)
		return
	}
	if m.cfg.Policy != nil && !m.cfg.Policy.Admit(JoinRequest{IEEE: ieee, Capabilities: caps}) {
		m.logger.Info("association denied by policy", "ieee", ieee)
		m.denyAssociation(ieee, frame.AssocAccessDenied)
		return
	}

	d, err := m.registry.BeginAssociation(ieee, caps, m.now)
	if err != nil {
		if errors.Is(err, registry.ErrPoolExhausted) {
			m.denyAssociation(ieee, frame.AssocPANAtCapacity)
		} else {
			m.logger.Warn("association rejected", "ieee", ieee, "err", err)
			m.denyAssociation(ieee, frame.AssocAccessDenied)
		}
		return
	}
	m.logger.Info("association accepted",
		"ieee", ieee, "short", d.Short, "type", d.Type, "sleepy", d.Sleepy())

	gen := m.bumpGen(ieee)
	m.armTimer(timer{at: m.now.Add(m.cfg.JoinTimeout), kind: timerJoin, ieee: ieee, gen: gen})

	// The response waits for the device's extended-address poll. Losing
	// it aborts the join; the device will associate again.
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       frame.ExtendedMACAddr(ieee),
		SrcPAN:     m.net.PANID,
		Src:        frame.ExtendedMACAddr(m.localIEEE),
		Command: &frame.MACCmd{
			ID:                  frame.CmdAssociationResponse,
			AssociationResponse: &frame.AssociationResponse{Short: d.Short, Status: frame.AssocSuccess},
		},
	}, true, handshakeWindow, func(err error) {
		if err != nil {
			m.abortJoin(ieee, err)
			return
		}
		m.startHandshake(ieee)
	})
}

// denyAssociation answers a refused request. The reserved short address
// tells the device no allocation happened.
func (m *Manager) denyAssociation(ieee frame.IEEEAddr, status frame.AssocStatus) {
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       frame.ExtendedMACAddr(ieee),
		SrcPAN:     m.net.PANID,
		Src:        frame.ExtendedMACAddr(m.localIEEE),
		Command: &frame.MACCmd{
			ID:                  frame.CmdAssociationResponse,
			AssociationResponse: &frame.AssociationResponse{Short: frame.BroadcastAll, Status: status},
		},
	}, true, handshakeWindow, nil)
}

func (m *Manager) startHandshake(ieee frame.IEEEAddr) {
	if err := m.registry.StartHandshake(ieee, m.now); err != nil {
		m.logger.Warn("handshake start", "ieee", ieee, "err", err)
		return
	}
	d, ok := m.registry.Get(ieee)
	if !ok {
		return
	}
	m.sendTransportKey(d)
}

// sendTransportKey delivers the network key, sealed end to end under the
// key-transport key so only the addressed device can read it. The
// carrying network frame stays unsecured with both extended addresses
// spelled out, since the device cannot decrypt network security yet.
func (m *Manager) sendTransportKey(d *registry.Device) {
	ieee := d.IEEE
	slot := m.keys.ActiveSlot()
	body, err := frame.EncodeAPSCmd(&frame.APSCommand{
		ID: frame.APSCmdTransportKey,
		TransportKey: &frame.TransportKey{
			KeyType:  frame.KeyTypeStandardNetwork,
			Key:      slot.Key,
			Seq:      slot.Seq,
			DestIEEE: ieee,
			SrcIEEE:  m.localIEEE,
		},
	})
	if err != nil {
		m.logger.Error("encoding transport key", "err", err)
		return
	}

	af := m.aps.BuildCommand(body)
	af.Security = true
	af.Payload = nil
	header, err := frame.EncodeAPS(af)
	if err != nil {
		m.logger.Error("encoding transport key frame", "err", err)
		return
	}
	sealed, err := m.keys.SecureAPS(header, body, frame.KeyIDKeyTransport)
	if err != nil {
		m.logger.Error("sealing transport key", "err", err)
		return
	}
	af.Payload = sealed
	apsRaw, err := frame.EncodeAPS(af)
	if err != nil {
		m.logger.Error("encoding transport key frame", "err", err)
		return
	}

	nf := m.newNWKFrame(frame.NWKData, d.Short)
	nf.HasDestIEEE = true
	nf.DestIEEE = ieee
	nf.HasSrcIEEE = true
	nf.SrcIEEE = m.localIEEE
	raw, err := m.encodeNWK(nf, apsRaw)
	if err != nil {
		m.logger.Error("encoding transport key frame", "err", err)
		return
	}

	m.logger.Debug("transport key queued", "ieee", ieee, "short", d.Short, "key_seq", slot.Seq)
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       frame.ShortMACAddr(d.Short),
		SrcPAN:     m.net.PANID,
		Src:        frame.ShortMACAddr(frame.CoordinatorAddr),
		Payload:    raw,
	}, true, handshakeWindow, func(err error) {
		if err != nil {
			m.abortJoin(ieee, err)
			return
		}
		m.finishHandshake(ieee)
	})
}

// finishHandshake records key possession. The device is authenticated
// but not yet active; its first verified frame, normally the announce
// broadcast, completes the join.
func (m *Manager) finishHandshake(ieee frame.IEEEAddr) {
	if err := m.registry.Authenticate(ieee, m.now); err != nil {
		m.logger.Warn("authenticate", "ieee", ieee, "err", err)
		return
	}
	// Fresh key, fresh counter space.
	m.keys.ResetIncoming(ieee)
	m.logger.Debug("device authenticated", "ieee", ieee)
}

// activateDevice completes a join on the first verified frame.
func (m *Manager) activateDevice(d *registry.Device) {
	if err := m.registry.MarkActive(d.IEEE, m.now); err != nil {
		m.logger.Warn("activate", "ieee", d.IEEE, "err", err)
		return
	}
	m.bumpGen(d.IEEE)
	m.logger.Info("device joined",
		"ieee", d.IEEE, "short", d.Short, "type", d.Type.String())
	m.emit(Event{Kind: EventJoined, IEEE: d.IEEE, Short: d.Short})
}

// abortJoin discards a half-joined device. The record is removed first
// so the cancel callbacks cannot re-enter the abort.
func (m *Manager) abortJoin(ieee frame.IEEEAddr, cause error) {
	d, ok := m.registry.Get(ieee)
	if !ok {
		return
	}
	m.logger.Info("join aborted", "ieee", ieee, "state", d.State.String(), "err", cause)
	short := d.Short
	m.bumpGen(ieee)
	if err := m.registry.Remove(ieee); err != nil {
		m.logger.Warn("removing aborted join", "ieee", ieee, "err", err)
	}
	m.engine.Cancel(frame.ExtendedMACAddr(ieee), cause)
	if short != frame.ShortNone {
		m.engine.Cancel(frame.ShortMACAddr(short), cause)
	}
}

func (m *Manager) permitJoin(window time.Duration) {
	if window <= 0 {
		if m.permitOpen(m.now) {
			m.permitUntil = m.now
			m.logger.Info("permit join window closed")
			m.emit(Event{Kind: EventPermitJoin, Permitted: false})
		}
		return
	}
	m.permitUntil = m.now.Add(window)
	m.logger.Info("permit join window open", "window", window)
	m.armTimer(timer{at: m.permitUntil, kind: timerPermit})
	m.emit(Event{Kind: EventPermitJoin, Permitted: true})
}

// handleLeave processes a device's leave announcement. Leave requests
// aimed at the coordinator are not actionable and are dropped.
func (m *Manager) handleLeave(leave *frame.Leave, nf *frame.NWKFrame, verified frame.IEEEAddr) {
	if leave.Request {
		m.logger.Debug("leave request ignored", "src", nf.Src)
		return
	}
	ieee := verified
	if ieee == 0 {
		if d, ok := m.registry.ByShort(nf.Src); ok {
			ieee = d.IEEE
		}
	}
	if ieee == 0 {
		return
	}
	m.logger.Info("device announced leave", "ieee", ieee, "rejoin", leave.Rejoin)
	m.finishLeave(ieee, leave.Rejoin)
}

// finishLeave takes a device off the network: pending traffic fails, the
// short address and routes are released, the record is kept for a later
// rejoin. Half-joined devices are discarded outright.
func (m *Manager) finishLeave(ieee frame.IEEEAddr, rejoin bool) {
	d, ok := m.registry.Get(ieee)
	if !ok {
		return
	}
	short := d.Short
	m.bumpGen(ieee)
	if short != frame.ShortNone {
		m.engine.Cancel(frame.ShortMACAddr(short),
			fmt.Errorf("%w: device left", mac.ErrDeliveryFailed))
	}
	if err := m.registry.MarkLeft(ieee, m.now); err != nil {
		if rmErr := m.registry.Remove(ieee); rmErr != nil {
			m.logger.Warn("removing device", "ieee", ieee, "err", rmErr)
		}
	}
	m.emit(Event{Kind: EventLeft, IEEE: ieee, Short: short})
}

// removeDevice is the operator-initiated expulsion: best-effort leave
// request on the air, record marked left regardless of the outcome.
func (m *Manager) removeDevice(ieee frame.IEEEAddr) error {
	d, ok := m.registry.Get(ieee)
	if !ok {
		return fmt.Errorf("%w: %v", registry.ErrUnknownDevice, ieee)
	}
	m.logger.Info("removing device", "ieee", ieee, "state", d.State.String())
	m.bumpGen(ieee)
	short := d.Short
	if short != frame.ShortNone {
		m.engine.Cancel(frame.ShortMACAddr(short),
			fmt.Errorf("%w: device removed", mac.ErrDeliveryFailed))
	}
	if d.State.Joined() && short != frame.ShortNone {
		m.sendLeaveRequest(d)
	}
	if err := m.registry.MarkLeft(ieee, m.now); err != nil {
		if rmErr := m.registry.Remove(ieee); rmErr != nil {
			m.logger.Warn("removing device", "ieee", ieee, "err", rmErr)
		}
	}
	m.emit(Event{Kind: EventLeft, IEEE: ieee, Short: short})
	return nil
}

func (m *Manager) sendLeaveRequest(d *registry.Device) {
	payload, err := frame.EncodeNWKCmd(&frame.NWKCmd{
		ID:    frame.NWKCmdLeave,
		Leave: &frame.Leave{Request: true},
	})
	if err != nil {
		m.logger.Error("encoding leave request", "err", err)
		return
	}
	nf := m.newNWKFrame(frame.NWKCommand, d.Short)
	nf.Security = true
	m.transmitNWK(nf, payload, nil)
}

// handleRejoinRequest serves both rejoin flavors. A secured request
// proves key possession and gets its address back immediately; an
// unsecured (trust center) rejoin from a known device reruns the key
// handshake, since the requester lost the current key. Unknown devices
// are ignored either way.
func (m *Manager) handleRejoinRequest(req *frame.RejoinRequest, nf *frame.NWKFrame, mf *frame.MACFrame, verified frame.IEEEAddr) {
	ieee := verified
	if ieee == 0 && nf.HasSrcIEEE {
		ieee = nf.SrcIEEE
	}
	if ieee == 0 {
		if d, ok := m.registry.ByShort(nf.Src); ok {
			ieee = d.IEEE
		}
	}
	if ieee == 0 {
		m.logger.Debug("rejoin request without identity", "src", nf.Src)
		return
	}
	d, ok := m.registry.Get(ieee)
	if !ok {
		m.logger.Info("rejoin from unknown device ignored", "ieee", ieee)
		return
	}

	if verified != 0 {
		m.handleSecuredRejoin(d, mf)
		return
	}
	m.handleTCRejoin(d, req, mf)
}

// handleSecuredRejoin restores a device that still holds the network
// key. No permit window or policy gate applies; the key is the proof.
func (m *Manager) handleSecuredRejoin(d *registry.Device, mf *frame.MACFrame) {
	ieee := d.IEEE
	d, err := m.registry.Rejoin(ieee, m.now)
	if err != nil {
		if errors.Is(err, registry.ErrPoolExhausted) {
			m.sendRejoinResponse(mf.Src, ieee, frame.ShortNone, frame.AssocPANAtCapacity, true, false)
		}
		m.logger.Warn("rejoin", "ieee", ieee, "err", err)
		return
	}
	m.logger.Info("device rejoined", "ieee", ieee, "short", d.Short)
	m.sendRejoinResponse(mf.Src, ieee, d.Short, frame.AssocSuccess, true, d.Sleepy())
}

// handleTCRejoin reruns the handshake for a known device that lost the
// key. The admission policy is consulted with the rejoin flag; the
// permit window is not required since the device already has a record.
func (m *Manager) handleTCRejoin(d *registry.Device, req *frame.RejoinRequest, mf *frame.MACFrame) {
	ieee := d.IEEE
	if m.cfg.Policy != nil && !m.cfg.Policy.Admit(JoinRequest{
		IEEE:         ieee,
		Capabilities: req.Capability,
		Rejoin:       true,
	}) {
		m.logger.Info("rejoin denied by policy", "ieee", ieee)
		m.sendRejoinResponse(mf.Src, ieee, frame.ShortNone, frame.AssocAccessDenied, false, false)
		return
	}

	d, err := m.registry.BeginAssociation(ieee, req.Capability, m.now)
	if err != nil {
		m.logger.Warn("rejoin", "ieee", ieee, "err", err)
		if errors.Is(err, registry.ErrPoolExhausted) {
			m.sendRejoinResponse(mf.Src, ieee, frame.ShortNone, frame.AssocPANAtCapacity, false, false)
		}
		return
	}
	m.logger.Info("trust center rejoin", "ieee", ieee, "short", d.Short)

	gen := m.bumpGen(ieee)
	m.armTimer(timer{at: m.now.Add(m.cfg.JoinTimeout), kind: timerJoin, ieee: ieee, gen: gen})
	m.sendRejoinResponseDone(mf.Src, ieee, d.Short, frame.AssocSuccess, false, d.Sleepy(), func(err error) {
		if err != nil {
			m.abortJoin(ieee, err)
			return
		}
		m.startHandshake(ieee)
	})
}

func (m *Manager) sendRejoinResponse(macDest frame.MACAddr, ieee frame.IEEEAddr, short frame.ShortAddr, status frame.AssocStatus, secured, indirect bool) {
	m.sendRejoinResponseDone(macDest, ieee, short, status, secured, indirect, nil)
}

// sendRejoinResponseDone addresses the response at the MAC layer to
// wherever the request came from: the device may still be using its old
// short address, and learns the new one from the response body.
func (m *Manager) sendRejoinResponseDone(macDest frame.MACAddr, ieee frame.IEEEAddr, short frame.ShortAddr, status frame.AssocStatus, secured, indirect bool, done func(error)) {
	payload, err := frame.EncodeNWKCmd(&frame.NWKCmd{
		ID:             frame.NWKCmdRejoinResponse,
		RejoinResponse: &frame.RejoinResponse{Short: short, Status: status},
	})
	if err != nil {
		m.logger.Error("encoding rejoin response", "err", err)
		complete(done, err)
		return
	}
	nf := m.newNWKFrame(frame.NWKCommand, short)
	nf.Security = secured
	nf.HasDestIEEE = true
	nf.DestIEEE = ieee
	nf.HasSrcIEEE = true
	nf.SrcIEEE = m.localIEEE
	raw, err := m.encodeNWK(nf, payload)
	if err != nil {
		m.logger.Error("encoding rejoin response", "err", err)
		complete(done, err)
		return
	}
	var expiry time.Duration
	if indirect {
		expiry = handshakeWindow
	}
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       macDest,
		SrcPAN:     m.net.PANID,
		Src:        frame.ShortMACAddr(frame.CoordinatorAddr),
		Payload:    raw,
	}, indirect, expiry, done)
}

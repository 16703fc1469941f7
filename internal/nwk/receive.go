package nwk

import (
	"errors"
	"time"

	"zigpan/internal/aps"
	"zigpan/internal/frame"
	"zigpan/internal/radio"
	"zigpan/internal/registry"
	"zigpan/internal/security"
)

// handleRaw is the entry point for every frame off the radio.
func (m *Manager) handleRaw(rf radio.Frame) {
	m.now = time.Now()
	f, err := frame.DecodeMAC(rf.Data)
	if err != nil {
		m.logger.Debug("dropping undecodable frame", "err", err, "len", len(rf.Data))
		return
	}
	m.dispatchMAC(f)
}

// dispatchMAC feeds a decoded frame through the MAC engine, which
// consumes acks and duplicates and releases indirect frames on polls;
// whatever survives is dispatched by frame type.
func (m *Manager) dispatchMAC(f *frame.MACFrame) {
	if !m.engine.HandleIncoming(f, m.now) {
		return
	}

	switch f.Type {
	case frame.MACCommand:
		m.handleMACCommand(f)
	case frame.MACData:
		if len(f.Payload) == 0 {
			// Keepalive or probe answer. Refreshes liveness, proves
			// nothing cryptographically.
			m.noteActivity(f.Src)
			return
		}
		m.handleNWK(f)
	}
}

func (m *Manager) handleMACCommand(f *frame.MACFrame) {
	cmd := f.Command
	if cmd == nil {
		return
	}
	switch cmd.ID {
	case frame.CmdBeaconRequest:
		m.sendBeacon()
	case frame.CmdAssociationRequest:
		if f.Src.Mode != frame.AddrModeExtended || cmd.AssociationRequest == nil {
			m.logger.Debug("malformed association request", "src", f.Src)
			return
		}
		m.handleAssociation(f.Src.Extended, *cmd.AssociationRequest)
	case frame.CmdDataRequest:
		// The engine already released any held frame; the poll still
		// counts as (unverified) liveness.
		m.noteActivity(f.Src)
	}
}

// noteActivity refreshes a device's liveness clock from unverified MAC
// traffic. It never promotes a stale device.
func (m *Manager) noteActivity(src frame.MACAddr) {
	switch src.Mode {
	case frame.AddrModeShort:
		if d, ok := m.registry.ByShort(src.Short); ok {
			m.registry.Seen(d.IEEE, m.now)
		}
	case frame.AddrModeExtended:
		m.registry.Seen(src.Extended, m.now)
	}
}

// sendBeacon answers a beacon request with the PAN identity. The permit
// flag tracks the commissioning window so scanning devices see whether
// association is worth attempting.
func (m *Manager) sendBeacon() {
	payload := frame.EncodeBeaconPayload(&frame.BeaconPayload{
		StackProfile:      2,
		ProtocolVersion:   frame.NWKProtocolVersion,
		RouterCapacity:    true,
		EndDeviceCapacity: true,
		ExtendedPANID:     m.net.ExtendedPANID,
		UpdateID:          m.net.UpdateID,
	})
	m.submitMAC(frame.MACFrame{
		Type:   frame.MACBeacon,
		SrcPAN: m.net.PANID,
		Src:    frame.ShortMACAddr(frame.CoordinatorAddr),
		Beacon: &frame.Beacon{
			BeaconOrder:       15,
			SuperframeOrder:   15,
			FinalCAPSlot:      15,
			PANCoordinator:    true,
			AssociationPermit: m.permitOpen(m.now),
			Payload:           payload,
		},
	}, false, 0, nil)
}

// handleNWK decrypts and dispatches a network frame addressed to the
// coordinator or broadcast. Anything else is transit traffic the
// coordinator does not relay.
func (m *Manager) handleNWK(f *frame.MACFrame) {
	nf, headerLen, err := frame.DecodeNWK(f.Payload)
	if err != nil {
		m.logger.Debug("dropping undecodable nwk frame", "err", err)
		return
	}
	if nf.Dest != frame.CoordinatorAddr && !nf.Dest.IsBroadcast() {
		m.logger.Debug("ignoring transit frame", "dest", nf.Dest, "src", nf.Src)
		return
	}

	payload := nf.Payload
	var verified frame.IEEEAddr
	if nf.Security {
		hint := m.senderIEEE(nf)
		pt, err := m.keys.OpenNWK(f.Payload[:headerLen], nf.Payload, hint)
		if err != nil {
			m.logNWKReject(nf, err)
			return
		}
		payload = pt
		verified = hint
		if aux, _, err := frame.DecodeAux(nf.Payload); err == nil && aux.ExtendedNonce {
			verified = aux.SrcIEEE
		}
		if verified != 0 {
			m.markVerified(verified)
		}
	}

	switch nf.Type {
	case frame.NWKData:
		if !nf.Security {
			m.logger.Debug("dropping unsecured data frame", "src", nf.Src)
			return
		}
		m.handleAPS(nf, payload, verified)
	case frame.NWKCommand:
		m.handleNWKCommand(nf, payload, f, verified)
	}
}

func (m *Manager) logNWKReject(nf *frame.NWKFrame, err error) {
	switch {
	case errors.Is(err, security.ErrReplay):
		m.logger.Warn("rejecting replayed frame", "src", nf.Src, "err", err)
	case errors.Is(err, security.ErrUnknownKey):
		m.logger.Debug("frame under unknown key", "src", nf.Src, "err", err)
	default:
		m.logger.Warn("rejecting frame", "src", nf.Src, "err", err)
	}
}

// senderIEEE resolves the extended address behind a network frame for
// nonce construction, from the header itself or the device table. The
// aux header overrides this when it carries an extended nonce.
func (m *Manager) senderIEEE(nf *frame.NWKFrame) frame.IEEEAddr {
	if nf.HasSrcIEEE {
		return nf.SrcIEEE
	}
	if d, ok := m.registry.ByShort(nf.Src); ok {
		return d.IEEE
	}
	return 0
}

// markVerified credits a device with authenticated traffic: the last
// step of a join, recovery from stale, or a plain liveness refresh.
func (m *Manager) markVerified(ieee frame.IEEEAddr) {
	d, ok := m.registry.Get(ieee)
	if !ok {
		return
	}
	switch d.State {
	case registry.StateAuthenticated:
		m.activateDevice(d)
	case registry.StateStale:
		if m.registry.Touch(ieee, m.now) {
			m.emit(Event{Kind: EventRecovered, IEEE: ieee, Short: d.Short})
		}
	default:
		m.registry.Touch(ieee, m.now)
	}
}

// handleNWKCommand dispatches network-layer commands. Unsecured frames
// carry no proof of identity, so only the rejoin request, whose whole
// point is recovering lost key material, is accepted without security.
func (m *Manager) handleNWKCommand(nf *frame.NWKFrame, payload []byte, mf *frame.MACFrame, verified frame.IEEEAddr) {
	cmd, err := frame.DecodeNWKCmd(payload)
	if err != nil {
		m.logger.Debug("dropping undecodable nwk command", "src", nf.Src, "err", err)
		return
	}
	if !nf.Security && cmd.ID != frame.NWKCmdRejoinRequest {
		m.logger.Debug("dropping unsecured nwk command", "cmd", cmd.ID, "src", nf.Src)
		return
	}

	macSrc := frame.ShortNone
	if mf.Src.Mode == frame.AddrModeShort {
		macSrc = mf.Src.Short
	}

	switch cmd.ID {
	case frame.NWKCmdRouteRequest:
		m.handleRouteRequest(cmd.RouteRequest, nf, macSrc)
	case frame.NWKCmdRouteReply:
		m.handleRouteReply(cmd.RouteReply, macSrc)
	case frame.NWKCmdNetworkStatus:
		m.handleNetworkStatus(cmd.NetworkStatus, nf.Src)
	case frame.NWKCmdLeave:
		m.handleLeave(cmd.Leave, nf, verified)
	case frame.NWKCmdRejoinRequest:
		m.handleRejoinRequest(cmd.RejoinRequest, nf, mf, verified)
	default:
		m.logger.Debug("ignoring nwk command", "cmd", cmd.ID, "src", nf.Src)
	}
}

// handleAPS feeds a decrypted data payload through the APS layer and
// acknowledges it when asked to.
func (m *Manager) handleAPS(nf *frame.NWKFrame, payload []byte, verified frame.IEEEAddr) {
	af, headerLen, err := frame.DecodeAPS(payload)
	if err != nil {
		m.logger.Debug("dropping undecodable aps frame", "src", nf.Src, "err", err)
		return
	}
	if af.Security {
		pt, err := m.keys.OpenAPS(payload[:headerLen], af.Payload, verified)
		if err != nil {
			m.logger.Warn("rejecting aps-secured frame", "src", nf.Src, "err", err)
			return
		}
		af.Security = false
		af.Payload = pt
	}

	m.aps.Deliver(nf.Src, af, m.now)

	if af.Type == frame.APSData && af.AckRequest && nf.Dest == frame.CoordinatorAddr {
		m.sendAPSAck(nf.Src, af)
	}
}

func (m *Manager) sendAPSAck(dest frame.ShortAddr, received *frame.APSFrame) {
	ack := m.aps.BuildAck(received)
	payload, err := frame.EncodeAPS(ack)
	if err != nil {
		m.logger.Error("encoding aps ack", "err", err)
		return
	}
	nf := m.newNWKFrame(frame.NWKData, dest)
	nf.Security = true
	m.transmitNWK(nf, payload, nil)
}

// handleAnnounce consumes ZDO device announces: the broadcast every
// device sends once it holds the network key and its short address.
func (m *Manager) handleAnnounce(msg aps.Message) {
	ann, err := aps.ParseDeviceAnnounce(msg.Payload)
	if err != nil {
		m.logger.Debug("malformed device announce", "src", msg.Src, "err", err)
		return
	}
	d, ok := m.registry.Get(ann.IEEE)
	if !ok {
		// Devices joining through a router are not adopted here; the
		// router's parent path never ran our handshake.
		m.logger.Info("announce from unknown device ignored",
			"ieee", ann.IEEE, "short", ann.Short)
		return
	}
	if d.Short != ann.Short {
		m.logger.Warn("announce address mismatch",
			"ieee", ann.IEEE, "announced", ann.Short, "assigned", d.Short)
		return
	}
	m.logger.Debug("device announce",
		"ieee", ann.IEEE, "short", ann.Short, "rx_on", ann.Capability.RxOnWhenIdle)
	// Promotion to active happened on decrypt; the announce is the
	// normal carrier of that first verified frame.
}

// handleApplication surfaces every other inbound application payload as
// a command event.
func (m *Manager) handleApplication(msg aps.Message) {
	d, ok := m.registry.ByShort(msg.Src)
	if !ok {
		m.logger.Debug("application frame from unknown short", "src", msg.Src)
		return
	}
	m.emit(Event{
		Kind:     EventCommandReceived,
		IEEE:     d.IEEE,
		Short:    msg.Src,
		Endpoint: msg.SrcEndpoint,
		Profile:  msg.Profile,
		Cluster:  msg.Cluster,
		Payload:  msg.Payload,
	})
}

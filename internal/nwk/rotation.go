package nwk

import (
	cryptorand "crypto/rand"
	"fmt"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/registry"
	"zigpan/internal/security"
)

// rotationPhase sequences a key rotation: transport the new key to
// everyone, tell everyone to switch, retire the old key after a grace
// period for stragglers still sending under it.
type rotationPhase int

const (
	rotationIdle rotationPhase = iota
	rotationTransported
	rotationSwitched
)

// rotateKey stages a fresh network key and transports it under the
// current one. The switch and retirement steps follow on the rotation
// timer so slow and sleeping devices can catch up in between.
func (m *Manager) rotateKey(now time.Time) error {
	if m.rotation != rotationIdle {
		return ErrRotationBusy
	}
	var key security.Key
	if _, err := cryptorand.Read(key[:]); err != nil {
		return fmt.Errorf("generating network key: %w", err)
	}
	slot := security.KeySlot{Key: key, Seq: m.keys.ActiveSlot().Seq + 1}
	m.keys.StagePending(slot)
	m.logger.Info("network key rotation started", "key_seq", slot.Seq)

	m.transportPendingKey(slot)
	m.rotation = rotationTransported
	m.armTimer(timer{at: now.Add(rotationSpacing), kind: timerRotation})
	return nil
}

// transportPendingKey broadcasts the new key to the rx-on population and
// queues an indirect copy for every sleeping device, all sealed under
// the key still in force.
func (m *Manager) transportPendingKey(slot security.KeySlot) {
	body, err := m.encodeTransportKey(slot, 0)
	if err != nil {
		m.logger.Error("encoding transport key", "err", err)
		return
	}
	m.sendKeyCommand(frame.BroadcastRxOn, body)

	m.eachSleepyJoined(func(d registry.Device) {
		body, err := m.encodeTransportKey(slot, d.IEEE)
		if err != nil {
			m.logger.Error("encoding transport key", "ieee", d.IEEE, "err", err)
			return
		}
		m.sendKeyCommand(d.Short, body)
	})
}

func (m *Manager) encodeTransportKey(slot security.KeySlot, dest frame.IEEEAddr) ([]byte, error) {
	return frame.EncodeAPSCmd(&frame.APSCommand{
		ID: frame.APSCmdTransportKey,
		TransportKey: &frame.TransportKey{
			KeyType:  frame.KeyTypeStandardNetwork,
			Key:      slot.Key,
			Seq:      slot.Seq,
			DestIEEE: dest,
			SrcIEEE:  m.localIEEE,
		},
	})
}

// rotationStep advances the rotation when its timer fires.
func (m *Manager) rotationStep(now time.Time) {
	switch m.rotation {
	case rotationTransported:
		pending := m.keys.PendingSlot()
		if pending == nil {
			m.rotation = rotationIdle
			return
		}
		seq := pending.Seq
		// The switch order goes out under the old key; promotion after
		// means every frame queued above was sealed with it.
		m.sendSwitchKey(seq)
		if err := m.keys.Promote(); err != nil {
			m.logger.Error("promoting network key", "err", err)
			m.rotation = rotationIdle
			return
		}
		m.rotation = rotationSwitched
		m.lastRotation = now
		m.logger.Info("network key switched", "key_seq", seq)
		m.emit(Event{Kind: EventKeyRotated, KeySeq: seq})
		m.armTimer(timer{at: now.Add(m.cfg.RotationGrace), kind: timerRotation})
	case rotationSwitched:
		m.keys.DropPrevious()
		m.rotation = rotationIdle
		m.logger.Info("previous network key retired")
	}
}

func (m *Manager) sendSwitchKey(seq uint8) {
	body, err := frame.EncodeAPSCmd(&frame.APSCommand{
		ID:        frame.APSCmdSwitchKey,
		SwitchKey: &frame.SwitchKey{Seq: seq},
	})
	if err != nil {
		m.logger.Error("encoding switch key", "err", err)
		return
	}
	m.sendKeyCommand(frame.BroadcastRxOn, body)
	m.eachSleepyJoined(func(d registry.Device) {
		m.sendKeyCommand(d.Short, body)
	})
}

// sendKeyCommand wraps a key management command in a network-secured
// frame. Unicasts to sleeping children queue indirect via the normal
// delivery path; APS security is not layered on top since the network
// key in force already covers the hop.
func (m *Manager) sendKeyCommand(dest frame.ShortAddr, body []byte) {
	af := m.aps.BuildCommand(body)
	payload, err := frame.EncodeAPS(af)
	if err != nil {
		m.logger.Error("encoding key command", "err", err)
		return
	}
	nf := m.newNWKFrame(frame.NWKData, dest)
	nf.Security = true
	m.transmitNWK(nf, payload, nil)
}

func (m *Manager) eachSleepyJoined(fn func(d registry.Device)) {
	for _, d := range m.registry.List() {
		if d.State.Joined() && !d.Capabilities.RxOnWhenIdle {
			fn(d)
		}
	}
}

package nwk

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/mac"
	"zigpan/internal/radio"
	"zigpan/internal/security"
)

// Start powers the radio, forms the PAN or resumes the persisted one, and
// leaves the stack ready for Run. A restore snapshot is resumed only when
// it matches the configuration and the attached radio; any mismatch falls
// back to fresh formation so the operator's settings always win.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.transport.On(ctx); err != nil {
		return fmt.Errorf("%w: radio power on: %v", ErrNetworkError, err)
	}
	ieee, err := m.transport.LongAddress(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading radio address: %v", ErrNetworkError, err)
	}
	m.localIEEE = ieee

	snap := m.resumable()
	if snap != nil {
		m.net = snap.Network
		m.logger.Info("resuming network",
			"channel", m.net.Channel, "pan", m.net.PANID, "devices", len(snap.Devices))
	} else if err := m.form(ctx); err != nil {
		return err
	}

	if err := m.configureRadio(ctx); err != nil {
		return err
	}

	link := security.WellKnownLinkKey
	if m.cfg.LinkKey != nil {
		link = *m.cfg.LinkKey
	}
	var active security.KeySlot
	if snap != nil {
		active = snap.Active
	} else {
		key, err := m.networkKey()
		if err != nil {
			return err
		}
		active = security.KeySlot{Key: key, Seq: 0}
	}
	m.keys = security.NewManager(m.base, m.localIEEE, link, active)

	m.engine = mac.NewEngine(mac.Config{
		ShortAddr:    frame.CoordinatorAddr,
		ExtendedAddr: m.localIEEE,
		AutoAck:      true,
		Transmit:     m.transmitMAC,
	}, m.base)

	now := time.Now()
	m.now = now
	if snap != nil {
		m.registry.Load(snap.Devices)
		m.keys.RestoreCounters(snap.NWKCounter+security.CounterSlack,
			snap.APSCounter+security.CounterSlack)
		m.keys.RestoreIncoming(snap.Incoming)
		if snap.Pending != nil {
			// A rotation was in flight when the previous run stopped. The
			// transported key stays staged and the switch is re-broadcast.
			m.keys.StagePending(*snap.Pending)
			m.rotation = rotationTransported
			m.armTimer(timer{at: now.Add(rotationSpacing), kind: timerRotation})
		}
	}
	m.lastRotation = now
	m.armTimer(timer{at: now.Add(m.sweepInterval()), kind: timerSweep})

	m.transport.OnFrame(func(f radio.Frame) {
		select {
		case m.frames <- f:
		case <-m.done:
		}
	})

	net := m.net
	m.emit(Event{Kind: EventNetworkUp, Network: &net})
	return nil
}

// resumable validates the restore snapshot against the configuration and
// the attached radio, returning nil when the network must be re-formed.
func (m *Manager) resumable() *Snapshot {
	snap := m.cfg.Restore
	if snap == nil || snap.Network.Channel == 0 {
		return nil
	}
	if m.cfg.Channel != 0 && m.cfg.Channel != snap.Network.Channel {
		m.logger.Warn("stored channel mismatches configuration, forming fresh network",
			"stored", snap.Network.Channel, "config", m.cfg.Channel)
		return nil
	}
	if m.cfg.PANID != 0 && m.cfg.PANID != snap.Network.PANID {
		m.logger.Warn("stored pan id mismatches configuration, forming fresh network",
			"stored", snap.Network.PANID, "config", m.cfg.PANID)
		return nil
	}
	if m.cfg.NetworkKey != nil && *m.cfg.NetworkKey != snap.Active.Key {
		m.logger.Warn("stored network key mismatches configuration, forming fresh network")
		return nil
	}
	if snap.Network.Coordinator != m.localIEEE {
		m.logger.Warn("stored network belongs to a different radio, forming fresh network",
			"stored", snap.Network.Coordinator, "radio", m.localIEEE)
		return nil
	}
	return snap
}

func (m *Manager) form(ctx context.Context) error {
	channel := m.cfg.Channel
	if channel == 0 {
		ch, err := m.scanChannels(ctx)
		if err != nil {
			return fmt.Errorf("%w: energy scan: %v", ErrNetworkError, err)
		}
		channel = ch
	} else if channel < channelMin || channel > channelMax {
		return fmt.Errorf("%w: channel %d outside %d..%d",
			ErrNetworkError, channel, channelMin, channelMax)
	}

	pan := m.cfg.PANID
	if pan == 0 {
		pan = randomPAN()
	}
	m.net = Network{
		Channel:       channel,
		PANID:         pan,
		ExtendedPANID: m.localIEEE,
		Coordinator:   m.localIEEE,
	}
	m.logger.Info("formed network", "channel", channel, "pan", pan)
	return nil
}

// scanChannels measures ambient energy across the band and picks the
// quietest channel. Each channel is sampled several times and judged by
// its peak, so a bursty interferer is not mistaken for silence.
func (m *Manager) scanChannels(ctx context.Context) (uint16, error) {
	lo, hi, err := m.transport.ChannelRange(ctx)
	if err != nil {
		return 0, err
	}
	lo = max(lo, channelMin)
	hi = min(hi, channelMax)
	if lo > hi {
		return 0, fmt.Errorf("radio supports no 2.4 GHz channel (%d..%d)", lo, hi)
	}

	best := lo
	bestPeak := int16(127)
	for ch := lo; ch <= hi; ch++ {
		if err := m.transport.SetChannel(ctx, ch); err != nil {
			return 0, err
		}
		peak := int16(-128)
		for i := 0; i < 4; i++ {
			v, err := m.transport.RSSI(ctx)
			if err != nil {
				return 0, err
			}
			peak = max(peak, v)
		}
		m.logger.Debug("energy scan", "channel", ch, "peak_rssi", peak)
		if peak < bestPeak {
			bestPeak = peak
			best = ch
		}
	}
	m.logger.Info("energy scan complete", "channel", best, "peak_rssi", bestPeak)
	return best, nil
}

func (m *Manager) networkKey() (security.Key, error) {
	if m.cfg.NetworkKey != nil {
		return *m.cfg.NetworkKey, nil
	}
	var key security.Key
	if _, err := cryptorand.Read(key[:]); err != nil {
		return key, fmt.Errorf("%w: generating network key: %v", ErrNetworkError, err)
	}
	return key, nil
}

// randomPAN draws a PAN identifier outside the reserved zero and
// broadcast values.
func randomPAN() frame.PANID {
	return frame.PANID(1 + rand.UintN(0xFFFE))
}

func (m *Manager) configureRadio(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"channel", func() error { return m.transport.SetChannel(ctx, m.net.Channel) }},
		{"pan id", func() error { return m.transport.SetPANID(ctx, m.net.PANID) }},
		{"short address", func() error { return m.transport.SetShortAddress(ctx, frame.CoordinatorAddr) }},
		{"rx mode", func() error {
			return m.transport.SetRxMode(ctx, radio.RxMode{AddressFilter: true, AutoAck: true})
		}},
		{"tx power", func() error { return m.transport.SetTxPower(ctx, m.cfg.TxPower) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%w: configuring %s: %v", ErrNetworkError, s.name, err)
		}
	}
	return nil
}

func (m *Manager) transmitMAC(f *frame.MACFrame) error {
	raw, err := frame.EncodeMAC(f)
	if err != nil {
		return err
	}
	return m.transport.Send(m.ctx, raw)
}

func (m *Manager) sweepInterval() time.Duration {
	return m.cfg.LivenessWindow / 4
}

package nwk

import (
	"context"
	"fmt"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/radio"
	"zigpan/internal/registry"
)

type timerKind int

const (
	timerJoin timerKind = iota
	timerDiscovery
	timerRotation
	timerSweep
	timerPermit
	timerAPSAck
)

// timer is one armed deadline. Join timers carry the device and its
// generation so a timer armed for an earlier join attempt cannot fire
// into a later one; discovery and ack timers carry their lookup keys.
type timer struct {
	at      time.Time
	kind    timerKind
	ieee    frame.IEEEAddr
	gen     uint64
	dest    frame.ShortAddr
	counter uint8
}

func (m *Manager) armTimer(t timer) {
	m.timers = append(m.timers, t)
}

// Run drives the event loop until the context is cancelled or the radio
// link drops. All stack state is owned by this goroutine; frames, timer
// deadlines and marshalled API calls are the only inputs.
func (m *Manager) Run(ctx context.Context) error {
	if m.engine == nil {
		return fmt.Errorf("%w: Run before Start", ErrNetworkError)
	}
	m.ctx = ctx
	defer close(m.done)
	m.logger.Info("network layer running")

	for {
		var wake <-chan time.Time
		var tm *time.Timer
		if at, ok := m.nextDeadline(); ok {
			tm = time.NewTimer(max(time.Until(at), 0))
			wake = tm.C
		}

		select {
		case <-ctx.Done():
			stopTimer(tm)
			m.shutdown()
			return ctx.Err()
		case <-m.transport.Done():
			stopTimer(tm)
			m.shutdown()
			return radio.ErrTransportClosed
		case f := <-m.frames:
			m.handleRaw(f)
		case fn := <-m.cmds:
			fn()
		case <-wake:
			m.advance(time.Now())
		}
		stopTimer(tm)
	}
}

func stopTimer(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}

// shutdown fails everything in flight and powers the radio down. Pending
// senders get ErrStopped rather than hanging on callbacks that will never
// come.
func (m *Manager) shutdown() {
	m.now = time.Now()
	m.engine.FailAll(ErrStopped)
	for dest, d := range m.discovery {
		delete(m.discovery, dest)
		for _, p := range d.waiting {
			p.finish(ErrStopped)
		}
	}
	for k, w := range m.acks {
		delete(m.acks, k)
		w.finish(ErrStopped)
	}

	offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.transport.Off(offCtx); err != nil {
		m.logger.Debug("radio power off failed", "err", err)
	}
	m.logger.Info("network layer stopped")
}

// nextDeadline is the earliest wake-up over the stack's own timers, the
// MAC retry engine and APS reassembly windows.
func (m *Manager) nextDeadline() (time.Time, bool) {
	var at time.Time
	var ok bool
	for _, t := range m.timers {
		if !ok || t.at.Before(at) {
			at, ok = t.at, true
		}
	}
	if wake, has := m.engine.NextWake(); has && (!ok || wake.Before(at)) {
		at, ok = wake, true
	}
	if wake, has := m.aps.NextWake(); has && (!ok || wake.Before(at)) {
		at, ok = wake, true
	}
	return at, ok
}

// advance moves every time-based machine to now.
func (m *Manager) advance(now time.Time) {
	m.now = now
	m.engine.Advance(now)
	m.aps.Expire(now)
	m.fireTimers(now)
}

// fireTimers collects the due timers first and fires them after the
// retained set is in place, so a handler arming a new timer never
// corrupts the scan.
func (m *Manager) fireTimers(now time.Time) {
	var due []timer
	kept := m.timers[:0]
	for _, t := range m.timers {
		if now.Before(t.at) {
			kept = append(kept, t)
		} else {
			due = append(due, t)
		}
	}
	m.timers = kept
	for _, t := range due {
		m.fireTimer(t, now)
	}
}

func (m *Manager) fireTimer(t timer, now time.Time) {
	switch t.kind {
	case timerSweep:
		m.sweep(now)
		m.armTimer(timer{at: now.Add(m.sweepInterval()), kind: timerSweep})
	case timerJoin:
		if m.gens[t.ieee] != t.gen {
			return
		}
		d, ok := m.registry.Get(t.ieee)
		if !ok {
			return
		}
		switch d.State {
		case registry.StateAssociationRequested, registry.StateSecurityHandshake:
			m.abortJoin(t.ieee, ErrJoinTimeout)
		}
	case timerDiscovery:
		m.finishDiscovery(t.dest, now)
	case timerRotation:
		m.rotationStep(now)
	case timerPermit:
		// Only the timer matching the current window closes it; an
		// extended window leaves a stale timer behind.
		if !t.at.Equal(m.permitUntil) {
			return
		}
		m.logger.Info("permit join window closed")
		m.emit(Event{Kind: EventPermitJoin, Permitted: false})
	case timerAPSAck:
		m.failAPSAck(ackKey{src: t.dest, counter: t.counter})
	}
}

// sweep demotes silent devices, probes the reachable ones and starts a
// key rotation when the counters or the calendar call for one.
func (m *Manager) sweep(now time.Time) {
	for _, d := range m.registry.Sweep(now, m.cfg.LivenessWindow) {
		m.emit(Event{Kind: EventStale, IEEE: d.IEEE, Short: d.Short})
		if !d.Sleepy() {
			m.probe(d)
		}
	}
	m.registry.ExpireRoutes(now, m.cfg.LivenessWindow)

	if m.rotation == rotationIdle {
		overdue := m.cfg.RotateInterval > 0 && now.Sub(m.lastRotation) >= m.cfg.RotateInterval
		if m.keys.NeedsRotation() || overdue {
			if err := m.rotateKey(now); err != nil {
				m.logger.Warn("automatic key rotation failed", "err", err)
			}
		}
	}
}

// probe sends an empty acknowledged MAC data frame to a stale rx-on
// device. An ack only refreshes the liveness clock; recovery still takes
// a verified network frame. No answer while the device is still stale
// removes it.
func (m *Manager) probe(d *registry.Device) {
	ieee := d.IEEE
	m.logger.Debug("probing stale device", "ieee", ieee, "short", d.Short)
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       frame.ShortMACAddr(d.Short),
		SrcPAN:     m.net.PANID,
		Src:        frame.ShortMACAddr(frame.CoordinatorAddr),
	}, false, 0, func(err error) {
		if err == nil {
			m.registry.Seen(ieee, m.now)
			return
		}
		if d, ok := m.registry.Get(ieee); ok && d.State == registry.StateStale {
			m.logger.Info("stale device unreachable, removing", "ieee", ieee)
			m.finishLeave(ieee, false)
		}
	})
}

// post hands fn to the loop goroutine.
func (m *Manager) post(ctx context.Context, fn func()) error {
	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for it. Outputs captured by fn are
// only valid when call returns nil.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := m.post(ctx, func() {
		m.now = time.Now()
		fn()
		close(done)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Network returns the formed PAN identity.
func (m *Manager) Network(ctx context.Context) (Network, error) {
	var net Network
	err := m.call(ctx, func() { net = m.net })
	return net, err
}

// Devices returns a copy of the device table.
func (m *Manager) Devices(ctx context.Context) ([]registry.Device, error) {
	var devices []registry.Device
	err := m.call(ctx, func() { devices = m.registry.List() })
	return devices, err
}

// Device returns one device record by extended address.
func (m *Manager) Device(ctx context.Context, ieee frame.IEEEAddr) (registry.Device, error) {
	var (
		dev   registry.Device
		found bool
	)
	err := m.call(ctx, func() {
		if d, ok := m.registry.Get(ieee); ok {
			dev, found = *d, true
		}
	})
	if err != nil {
		return registry.Device{}, err
	}
	if !found {
		return registry.Device{}, registry.ErrUnknownDevice
	}
	return dev, nil
}

// Routes returns a copy of the route table.
func (m *Manager) Routes(ctx context.Context) ([]registry.RouteEntry, error) {
	var routes []registry.RouteEntry
	err := m.call(ctx, func() { routes = m.registry.Routes() })
	return routes, err
}

// PermitJoin opens the commissioning window for the given duration; zero
// closes it immediately. Extending an open window replaces its deadline.
func (m *Manager) PermitJoin(ctx context.Context, window time.Duration) error {
	return m.call(ctx, func() { m.permitJoin(window) })
}

// PermitRemaining reports how long the commissioning window stays open,
// zero when closed.
func (m *Manager) PermitRemaining(ctx context.Context) (time.Duration, error) {
	var left time.Duration
	err := m.call(ctx, func() {
		if m.permitOpen(m.now) {
			left = m.permitUntil.Sub(m.now)
		}
	})
	return left, err
}

// Send delivers one application command and waits for the outcome: the
// MAC ack of the last hop, or the end-to-end APS acknowledgement when the
// command requests one.
func (m *Manager) Send(ctx context.Context, cmd Command) error {
	res := make(chan error, 1)
	err := m.post(ctx, func() {
		m.now = time.Now()
		m.sendCommand(cmd, func(err error) { res <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveDevice expels a device: a leave request goes out, the record is
// marked left and its routes and address return to the pool. The request
// is best-effort; an unreachable device is removed all the same.
func (m *Manager) RemoveDevice(ctx context.Context, ieee frame.IEEEAddr) error {
	var opErr error
	err := m.call(ctx, func() { opErr = m.removeDevice(ieee) })
	if err != nil {
		return err
	}
	return opErr
}

// RotateKey starts a network key rotation. It returns once the new key is
// staged and transported; switching and retiring the old key follow on
// the rotation timers.
func (m *Manager) RotateKey(ctx context.Context) error {
	var opErr error
	err := m.call(ctx, func() { opErr = m.rotateKey(m.now) })
	if err != nil {
		return err
	}
	return opErr
}

// Snapshot captures the persistable stack state.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := m.call(ctx, func() { snap = m.snapshot() })
	return snap, err
}

func (m *Manager) snapshot() *Snapshot {
	return &Snapshot{
		Network:    m.net,
		Active:     m.keys.ActiveSlot(),
		Pending:    m.keys.PendingSlot(),
		NWKCounter: m.keys.NWKCounter(),
		APSCounter: m.keys.APSCounter(),
		Incoming:   m.keys.IncomingCounters(),
		Devices:    m.registry.List(),
	}
}

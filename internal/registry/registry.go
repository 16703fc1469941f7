// Package registry is the coordinator's device table: known devices with
// their join lifecycle, the short-address pool, and the mesh route table.
// It is owned by the network manager loop and is not safe for concurrent
// use; external consumers get copies through List and Route.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"zigpan/internal/frame"
)

var (
	// ErrUnknownDevice is returned for operations on an address with no
	// device record.
	ErrUnknownDevice = errors.New("registry: unknown device")

	// ErrInvalidTransition is returned when a lifecycle operation does not
	// apply to the device's current state.
	ErrInvalidTransition = errors.New("registry: invalid state transition")

	// ErrPoolExhausted is returned when no free short address remains.
	ErrPoolExhausted = errors.New("registry: short address pool exhausted")
)

// firstPoolAddr is where short address assignment starts scanning. The
// range below it is left to devices that self-assign during rejoin.
const firstPoolAddr frame.ShortAddr = 0x558B

// Registry holds the device and route tables.
type Registry struct {
	logger *slog.Logger

	devices map[frame.IEEEAddr]*Device
	byShort map[frame.ShortAddr]*Device
	routes  map[frame.ShortAddr]*RouteEntry

	nextShort frame.ShortAddr
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "registry"),
		devices:   make(map[frame.IEEEAddr]*Device),
		byShort:   make(map[frame.ShortAddr]*Device),
		routes:    make(map[frame.ShortAddr]*RouteEntry),
		nextShort: firstPoolAddr,
	}
}

// allocShort scans the pool for a free short address, skipping the
// coordinator's 0x0000, the reserved broadcast range and addresses in use.
func (r *Registry) allocShort() (frame.ShortAddr, error) {
	for i := 0; i < 0x10000; i++ {
		c := r.nextShort
		r.nextShort++ // uint16, wraps
		if c == frame.CoordinatorAddr || c.IsBroadcast() {
			continue
		}
		if _, used := r.byShort[c]; used {
			continue
		}
		return c, nil
	}
	return 0, ErrPoolExhausted
}

// Get returns the device record for an IEEE address.
func (r *Registry) Get(ieee frame.IEEEAddr) (*Device, bool) {
	d, ok := r.devices[ieee]
	return d, ok
}

// ByShort returns the device currently holding a short address.
func (r *Registry) ByShort(short frame.ShortAddr) (*Device, bool) {
	d, ok := r.byShort[short]
	return d, ok
}

// Len returns the number of device records, left devices included.
func (r *Registry) Len() int { return len(r.devices) }

// List returns copies of all device records ordered by IEEE address.
func (r *Registry) List() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b Device) int {
		switch {
		case a.IEEE < b.IEEE:
			return -1
		case a.IEEE > b.IEEE:
			return 1
		}
		return 0
	})
	return out
}

// BeginAssociation starts (or restarts) the join of a device. A known
// device keeps its short address; a new or left device gets one from the
// pool. The record enters AssociationRequested and must proceed through
// the security handshake regardless of prior history.
func (r *Registry) BeginAssociation(ieee frame.IEEEAddr, caps frame.CapabilityInfo, now time.Time) (*Device, error) {
	d, known := r.devices[ieee]
	if !known {
		d = &Device{IEEE: ieee, Short: frame.ShortNone, JoinedAt: now}
		r.devices[ieee] = d
	}
	if d.Short == frame.ShortNone {
		short, err := r.allocShort()
		if err != nil {
			if !known {
				delete(r.devices, ieee)
			}
			return nil, err
		}
		d.Short = short
		r.byShort[short] = d
	}
	d.Capabilities = caps
	d.Type = TypeEndDevice
	if caps.FullFunction {
		d.Type = TypeRouter
	}
	d.State = StateAssociationRequested
	d.LastSeen = now
	r.logger.Info("association started",
		"ieee", ieee.String(), "short", d.Short.String(),
		"type", d.Type.String(), "rejoined", known)
	return d, nil
}

// StartHandshake moves an associated device into the key-transport phase.
func (r *Registry) StartHandshake(ieee frame.IEEEAddr, now time.Time) error {
	d, ok := r.devices[ieee]
	if !ok {
		return ErrUnknownDevice
	}
	if d.State != StateAssociationRequested {
		return ErrInvalidTransition
	}
	d.State = StateSecurityHandshake
	d.LastSeen = now
	return nil
}

// Authenticate records that the device received the network key.
func (r *Registry) Authenticate(ieee frame.IEEEAddr, now time.Time) error {
	d, ok := r.devices[ieee]
	if !ok {
		return ErrUnknownDevice
	}
	if d.State != StateSecurityHandshake {
		return ErrInvalidTransition
	}
	d.State = StateAuthenticated
	d.LastSeen = now
	return nil
}

// MarkActive promotes an authenticated or stale device to active. Calling
// it on an already active device just refreshes the liveness clock.
func (r *Registry) MarkActive(ieee frame.IEEEAddr, now time.Time) error {
	d, ok := r.devices[ieee]
	if !ok {
		return ErrUnknownDevice
	}
	switch d.State {
	case StateAuthenticated, StateStale, StateActive:
	default:
		return ErrInvalidTransition
	}
	d.State = StateActive
	d.LastSeen = now
	return nil
}

// Touch refreshes the liveness clock after a verified frame. It reports
// whether the device recovered from stale.
func (r *Registry) Touch(ieee frame.IEEEAddr, now time.Time) bool {
	d, ok := r.devices[ieee]
	if !ok {
		return false
	}
	d.LastSeen = now
	if d.State == StateStale {
		d.State = StateActive
		r.logger.Info("device recovered", "ieee", ieee.String(), "short", d.Short.String())
		return true
	}
	return false
}

// Seen refreshes the liveness clock for unverified traffic such as MAC
// polls. Unlike Touch it never promotes a stale device; recovery takes a
// verified frame.
func (r *Registry) Seen(ieee frame.IEEEAddr, now time.Time) {
	if d, ok := r.devices[ieee]; ok {
		d.LastSeen = now
	}
}

// Sweep demotes active devices that have been silent longer than the
// liveness window and returns them so the caller can emit events and
// schedule probes.
func (r *Registry) Sweep(now time.Time, window time.Duration) []*Device {
	var stale []*Device
	for _, d := range r.devices {
		if d.State == StateActive && now.Sub(d.LastSeen) >= window {
			d.State = StateStale
			stale = append(stale, d)
			r.logger.Info("device stale",
				"ieee", d.IEEE.String(), "short", d.Short.String(),
				"silent", now.Sub(d.LastSeen).String())
		}
	}
	return stale
}

// MarkLeft records that a joined device left the network. The short
// address returns to the pool and routes touching it are dropped; the
// record itself is retained so a later rejoin is recognized.
func (r *Registry) MarkLeft(ieee frame.IEEEAddr, now time.Time) error {
	d, ok := r.devices[ieee]
	if !ok {
		return ErrUnknownDevice
	}
	if d.State == StateLeft {
		return nil
	}
	if !d.State.Joined() {
		return ErrInvalidTransition
	}
	r.releaseShort(d)
	d.State = StateLeft
	d.LastSeen = now
	r.logger.Info("device left", "ieee", ieee.String())
	return nil
}

// Remove deletes a device record entirely: explicit operator removal, or
// discarding a half-joined device whose handshake timed out.
func (r *Registry) Remove(ieee frame.IEEEAddr) error {
	d, ok := r.devices[ieee]
	if !ok {
		return ErrUnknownDevice
	}
	r.releaseShort(d)
	delete(r.devices, ieee)
	r.logger.Info("device removed", "ieee", ieee.String(), "state", d.State.String())
	return nil
}

func (r *Registry) releaseShort(d *Device) {
	if d.Short == frame.ShortNone {
		return
	}
	r.DropRoutes(d.Short)
	delete(r.byShort, d.Short)
	d.Short = frame.ShortNone
}

// Rejoin handles a secured rejoin request from a known device: it keeps
// the short address when still held, allocates a fresh one otherwise, and
// lands in Authenticated since possession of the network key was just
// proven. The caller answers with a rejoin response carrying the address.
func (r *Registry) Rejoin(ieee frame.IEEEAddr, now time.Time) (*Device, error) {
	d, ok := r.devices[ieee]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if d.Short == frame.ShortNone {
		short, err := r.allocShort()
		if err != nil {
			return nil, err
		}
		d.Short = short
		r.byShort[short] = d
	}
	d.State = StateAuthenticated
	d.LastSeen = now
	r.logger.Info("device rejoined", "ieee", ieee.String(), "short", d.Short.String())
	return d, nil
}

// Load replaces the table with records restored from storage. Records
// still mid-handshake are dropped: their timers died with the previous
// process, so the device has to associate again.
func (r *Registry) Load(devices []Device) {
	clear(r.devices)
	clear(r.byShort)
	for i := range devices {
		d := devices[i]
		if !d.State.Joined() && d.State != StateLeft {
			continue
		}
		rec := &Device{}
		*rec = d
		if rec.State == StateLeft {
			rec.Short = frame.ShortNone
		}
		r.devices[rec.IEEE] = rec
		if rec.Short != frame.ShortNone {
			r.byShort[rec.Short] = rec
		}
	}
	r.logger.Info("device table loaded", "devices", len(r.devices))
}

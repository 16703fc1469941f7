package registry

import (
	"time"

	"zigpan/internal/frame"
)

// RouteStatus is the lifecycle of a route table entry.
type RouteStatus int

const (
	// RouteDiscovery marks a destination whose route request is out and
	// whose replies are still being collected.
	RouteDiscovery RouteStatus = iota
	// RouteActive is an installed, usable route.
	RouteActive
	// RouteFailed marks a route invalidated by repeated delivery failures
	// through its next hop. It stays failed until the next send triggers
	// rediscovery.
	RouteFailed
)

func (s RouteStatus) String() string {
	switch s {
	case RouteActive:
		return "active"
	case RouteFailed:
		return "failed"
	}
	return "discovery"
}

// RouteEntry maps a destination to its next hop. At most one entry exists
// per destination; during discovery NextHop holds the best candidate so
// far, ShortNone before the first reply.
type RouteEntry struct {
	Dest     frame.ShortAddr
	NextHop  frame.ShortAddr
	Status   RouteStatus
	Cost     uint8
	LastUsed time.Time
}

// Route returns a copy of the entry for a destination.
func (r *Registry) Route(dest frame.ShortAddr) (RouteEntry, bool) {
	e, ok := r.routes[dest]
	if !ok {
		return RouteEntry{}, false
	}
	return *e, true
}

// Routes returns copies of all route entries, in no particular order.
func (r *Registry) Routes() []RouteEntry {
	out := make([]RouteEntry, 0, len(r.routes))
	for _, e := range r.routes {
		out = append(out, *e)
	}
	return out
}

// NextHop resolves the next hop for a destination and refreshes the
// entry's age. Only active routes resolve; failed and in-discovery
// entries report no route so the caller starts (or awaits) discovery.
func (r *Registry) NextHop(dest frame.ShortAddr, now time.Time) (frame.ShortAddr, bool) {
	e, ok := r.routes[dest]
	if !ok || e.Status != RouteActive {
		return frame.ShortNone, false
	}
	e.LastUsed = now
	return e.NextHop, true
}

// BeginRouteDiscovery opens a collection window for a destination. It
// reports false when discovery is already underway, so each destination
// gets at most one route request broadcast per window.
func (r *Registry) BeginRouteDiscovery(dest frame.ShortAddr, now time.Time) bool {
	if e, ok := r.routes[dest]; ok && e.Status == RouteDiscovery {
		return false
	}
	r.routes[dest] = &RouteEntry{
		Dest:     dest,
		NextHop:  frame.ShortNone,
		Status:   RouteDiscovery,
		LastUsed: now,
	}
	r.logger.Debug("route discovery started", "dest", dest.String())
	return true
}

// OfferRoute records a route reply. The lowest-cost reply within the
// window wins; replies for destinations not in discovery are discarded.
func (r *Registry) OfferRoute(dest, nextHop frame.ShortAddr, cost uint8, now time.Time) bool {
	e, ok := r.routes[dest]
	if !ok || e.Status != RouteDiscovery {
		return false
	}
	if e.NextHop != frame.ShortNone && cost >= e.Cost {
		return false
	}
	e.NextHop = nextHop
	e.Cost = cost
	e.LastUsed = now
	return true
}

// CompleteRouteDiscovery closes the collection window. With at least one
// reply the best candidate becomes the active route; with none the entry
// is dropped and the destination is unroutable until the next attempt.
func (r *Registry) CompleteRouteDiscovery(dest frame.ShortAddr, now time.Time) (RouteEntry, bool) {
	e, ok := r.routes[dest]
	if !ok || e.Status != RouteDiscovery {
		return RouteEntry{}, false
	}
	if e.NextHop == frame.ShortNone {
		delete(r.routes, dest)
		r.logger.Debug("route discovery empty", "dest", dest.String())
		return RouteEntry{}, false
	}
	e.Status = RouteActive
	e.LastUsed = now
	r.logger.Info("route installed",
		"dest", dest.String(), "next_hop", e.NextHop.String(), "cost", e.Cost)
	return *e, true
}

// InvalidateRoute marks a destination's route failed after its next hop
// repeatedly failed delivery. Rediscovery happens on the next send, not
// eagerly.
func (r *Registry) InvalidateRoute(dest frame.ShortAddr) {
	e, ok := r.routes[dest]
	if !ok || e.Status != RouteActive {
		return
	}
	e.Status = RouteFailed
	r.logger.Info("route invalidated", "dest", dest.String(), "next_hop", e.NextHop.String())
}

// DropRoutes removes every entry destined to or relayed through a short
// address, used when its device leaves the network.
func (r *Registry) DropRoutes(short frame.ShortAddr) {
	for dest, e := range r.routes {
		if e.Dest == short || e.NextHop == short {
			delete(r.routes, dest)
		}
	}
}

// ExpireRoutes drops entries unused for longer than maxAge and returns
// how many were removed.
func (r *Registry) ExpireRoutes(now time.Time, maxAge time.Duration) int {
	var n int
	for dest, e := range r.routes {
		if now.Sub(e.LastUsed) >= maxAge {
			delete(r.routes, dest)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("routes expired", "count", n)
	}
	return n
}

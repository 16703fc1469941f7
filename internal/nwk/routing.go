package nwk

import (
	"fmt"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/mac"
)

// pendingSend is one frame parked while its destination's route is being
// discovered. The payload is held plaintext and sealed on transmit.
type pendingSend struct {
	nf    *frame.NWKFrame
	plain []byte
	done  func(error)
}

func (p pendingSend) finish(err error) {
	complete(p.done, err)
}

// discovery tracks one open route discovery window. Replies land in the
// registry; the waiting frames flush when the window closes.
type discovery struct {
	routeID uint8
	waiting []pendingSend
}

// queueForDiscovery parks a frame behind its destination's discovery,
// opening the window with a route request broadcast if none is in
// flight. Discovery is demand driven: only a send with no usable route
// triggers it.
func (m *Manager) queueForDiscovery(nf *frame.NWKFrame, plain []byte, done func(error)) {
	dest := nf.Dest
	d, ok := m.discovery[dest]
	if !ok {
		m.registry.BeginRouteDiscovery(dest, m.now)
		m.routeID++
		d = &discovery{routeID: m.routeID}
		m.discovery[dest] = d
		m.sendRouteRequest(dest, d.routeID)
		m.armTimer(timer{at: m.now.Add(m.cfg.DiscoveryWindow), kind: timerDiscovery, dest: dest})
	}
	d.waiting = append(d.waiting, pendingSend{nf: nf, plain: plain, done: done})
}

// sendRouteRequest broadcasts a route request to the routers. Broadcasts
// take no MAC ack; the reply collection window is the only feedback.
func (m *Manager) sendRouteRequest(dest frame.ShortAddr, id uint8) {
	m.logger.Debug("route discovery started", "dest", dest, "route_id", id)
	payload, err := frame.EncodeNWKCmd(&frame.NWKCmd{
		ID:           frame.NWKCmdRouteRequest,
		RouteRequest: &frame.RouteRequest{RouteID: id, Dest: dest},
	})
	if err != nil {
		m.logger.Error("encoding route request", "err", err)
		return
	}
	nf := m.newNWKFrame(frame.NWKCommand, frame.BroadcastRouters)
	nf.Security = true
	m.transmitNWK(nf, payload, nil)
}

// finishDiscovery closes a destination's collection window: the best
// reply becomes the route and the parked frames go out through it, or
// every waiter fails when nobody answered.
func (m *Manager) finishDiscovery(dest frame.ShortAddr, now time.Time) {
	d, ok := m.discovery[dest]
	if !ok {
		return
	}
	delete(m.discovery, dest)

	entry, ok := m.registry.CompleteRouteDiscovery(dest, now)
	if !ok {
		m.logger.Info("route discovery failed", "dest", dest, "waiting", len(d.waiting))
		err := fmt.Errorf("%w: no route to %v", mac.ErrDeliveryFailed, dest)
		for _, p := range d.waiting {
			p.finish(err)
		}
		return
	}
	m.logger.Debug("route discovery complete",
		"dest", dest, "next_hop", entry.NextHop, "waiting", len(d.waiting))
	for _, p := range d.waiting {
		m.transmitNWK(p.nf, p.plain, p.done)
	}
}

// handleRouteRequest answers discoveries that target the coordinator
// itself. The reply is unicast back to the neighbor the request arrived
// from; requests for other destinations are not relayed since the
// coordinator terminates routes rather than extending the mesh.
func (m *Manager) handleRouteRequest(req *frame.RouteRequest, nf *frame.NWKFrame, macSrc frame.ShortAddr) {
	if req.Dest != frame.CoordinatorAddr || macSrc == frame.ShortNone {
		return
	}
	m.logger.Debug("answering route request",
		"originator", nf.Src, "route_id", req.RouteID, "via", macSrc)
	payload, err := frame.EncodeNWKCmd(&frame.NWKCmd{
		ID: frame.NWKCmdRouteReply,
		RouteReply: &frame.RouteReply{
			RouteID:    req.RouteID,
			Originator: nf.Src,
			Responder:  frame.CoordinatorAddr,
			PathCost:   1,
		},
	})
	if err != nil {
		m.logger.Error("encoding route reply", "err", err)
		return
	}
	out := m.newNWKFrame(frame.NWKCommand, nf.Src)
	out.Security = true
	raw, err := m.encodeNWK(out, payload)
	if err != nil {
		m.logger.Error("encoding route reply frame", "err", err)
		return
	}
	// Addressed MAC-wise to the requesting neighbor, which relays it
	// toward the originator along the discovered path.
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: true,
		DestPAN:    m.net.PANID,
		Dest:       frame.ShortMACAddr(macSrc),
		SrcPAN:     m.net.PANID,
		Src:        frame.ShortMACAddr(frame.CoordinatorAddr),
		Payload:    raw,
	}, false, 0, nil)
}

// handleRouteReply records a reply for one of our discoveries. The next
// hop is the neighbor that relayed the reply, not the responder itself.
func (m *Manager) handleRouteReply(rep *frame.RouteReply, macSrc frame.ShortAddr) {
	if rep.Originator != frame.CoordinatorAddr || macSrc == frame.ShortNone {
		return
	}
	if m.registry.OfferRoute(rep.Responder, macSrc, rep.PathCost, m.now) {
		m.logger.Debug("route reply",
			"dest", rep.Responder, "next_hop", macSrc, "cost", rep.PathCost)
	}
}

// handleNetworkStatus reacts to failure reports from the mesh. Route
// failures invalidate the affected route so the next send rediscovers;
// address conflicts are logged for the operator since reassigning a
// short address in flight would orphan the device.
func (m *Manager) handleNetworkStatus(st *frame.NetworkStatus, src frame.ShortAddr) {
	switch st.Status {
	case frame.NWKStatusNoRouteAvailable, frame.NWKStatusLinkFailure, frame.NWKStatusSourceRouteFail:
		m.logger.Info("network status: route failure",
			"status", st.Status, "dest", st.Dest, "reporter", src)
		m.registry.InvalidateRoute(st.Dest)
	case frame.NWKStatusAddressConflict:
		m.logger.Warn("network status: address conflict", "addr", st.Dest, "reporter", src)
	default:
		m.logger.Debug("network status",
			"status", st.Status, "dest", st.Dest, "reporter", src)
	}
}

package nwk

import (
	"errors"
	"fmt"
	"time"

	"zigpan/internal/aps"
	"zigpan/internal/frame"
	"zigpan/internal/mac"
	"zigpan/internal/registry"
)

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// sendCommand resolves the destination, builds the APS frames and hands
// them to the network layer. done fires once with the overall outcome.
func (m *Manager) sendCommand(cmd Command, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	dest := cmd.Short
	var dev *registry.Device
	if cmd.IEEE != 0 {
		d, ok := m.registry.Get(cmd.IEEE)
		if !ok {
			done(fmt.Errorf("%w: %v", registry.ErrUnknownDevice, cmd.IEEE))
			return
		}
		dev = d
	} else if d, ok := m.registry.ByShort(dest); ok {
		dev = d
	}
	if dev != nil {
		if !dev.State.Joined() {
			done(fmt.Errorf("%w: %v is %v", ErrNotJoined, dev.IEEE, dev.State))
			return
		}
		dest = dev.Short
	}
	if dest == frame.CoordinatorAddr || dest == frame.ShortNone {
		done(fmt.Errorf("nwk: unroutable destination %v", dest))
		return
	}

	profile := cmd.Profile
	if profile == 0 {
		profile = aps.ProfileHomeAutomation
	}
	broadcast := dest.IsBroadcast()
	frames, err := m.aps.BuildData(aps.Send{
		DestEndpoint: cmd.Endpoint,
		SrcEndpoint:  coordinatorEndpoint,
		Cluster:      cmd.Cluster,
		Profile:      profile,
		Payload:      cmd.Payload,
		AckRequest:   cmd.AckRequest && !broadcast,
		Broadcast:    broadcast,
	})
	if err != nil {
		done(err)
		return
	}

	var finish func(error)
	if cmd.AckRequest && !broadcast {
		finish = m.armAPSAck(dest, frames[0].Counter, len(frames), done)
	} else {
		finish = m.aggregateDone(len(frames), done)
	}
	for _, af := range frames {
		m.sendAPS(dest, af, finish)
	}
}

// sendAPS wraps one APS frame in a secured network data frame. The APS
// layer itself stays plaintext; network security covers it.
func (m *Manager) sendAPS(dest frame.ShortAddr, af *frame.APSFrame, done func(error)) {
	payload, err := frame.EncodeAPS(af)
	if err != nil {
		complete(done, err)
		return
	}
	nf := m.newNWKFrame(frame.NWKData, dest)
	nf.Security = true
	m.transmitNWK(nf, payload, done)
}

// transmitNWK resolves the MAC next hop for a network frame and puts it
// on the air. Frames to unknown destinations wait for route discovery;
// the payload is sealed only once the frame actually goes out so frame
// counters are spent in transmit order.
func (m *Manager) transmitNWK(nf *frame.NWKFrame, plain []byte, done func(error)) {
	macDest := frame.ShortMACAddr(nf.Dest)
	ackReq := true
	indirect := false
	var expiry time.Duration
	finish := done

	switch {
	case nf.Dest.IsBroadcast():
		macDest = frame.ShortMACAddr(frame.BroadcastAll)
		ackReq = false
	case m.isChild(nf.Dest):
		d, _ := m.registry.ByShort(nf.Dest)
		if d.Sleepy() {
			indirect = true
			expiry = indirectWindow
		}
	default:
		hop, ok := m.registry.NextHop(nf.Dest, m.now)
		if !ok {
			m.queueForDiscovery(nf, plain, done)
			return
		}
		macDest = frame.ShortMACAddr(hop)
		finish = m.routeDone(nf.Dest, done)
	}

	raw, err := m.encodeNWK(nf, plain)
	if err != nil {
		complete(finish, err)
		return
	}
	m.submitMAC(frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: ackReq,
		DestPAN:    m.net.PANID,
		Dest:       macDest,
		SrcPAN:     m.net.PANID,
		Src:        frame.ShortMACAddr(frame.CoordinatorAddr),
		Payload:    raw,
	}, indirect, expiry, finish)
}

// isChild reports whether the short address belongs to a device that
// associated with us directly, so no mesh route is needed.
func (m *Manager) isChild(dest frame.ShortAddr) bool {
	_, ok := m.registry.ByShort(dest)
	return ok
}

// routeDone invalidates the route when its next hop fails delivery, so
// the next send rediscovers instead of hammering a dead path.
func (m *Manager) routeDone(dest frame.ShortAddr, done func(error)) func(error) {
	return func(err error) {
		if err != nil && errors.Is(err, mac.ErrDeliveryFailed) {
			m.registry.InvalidateRoute(dest)
		}
		complete(done, err)
	}
}

// encodeNWK serializes a network frame, sealing the payload under the
// active network key when the frame is secured.
func (m *Manager) encodeNWK(nf *frame.NWKFrame, plain []byte) ([]byte, error) {
	if !nf.Security {
		nf.Payload = plain
		return frame.EncodeNWK(nf)
	}
	nf.Payload = nil
	header, err := frame.EncodeNWK(nf)
	if err != nil {
		return nil, err
	}
	nf.Payload = m.keys.SecureNWK(header, plain)
	return frame.EncodeNWK(nf)
}

func (m *Manager) newNWKFrame(t frame.NWKType, dest frame.ShortAddr) *frame.NWKFrame {
	m.nwkSeq++
	return &frame.NWKFrame{
		Type:    t,
		Version: frame.NWKProtocolVersion,
		Dest:    dest,
		Src:     frame.CoordinatorAddr,
		Radius:  defaultRadius,
		Seq:     m.nwkSeq,
	}
}

func (m *Manager) submitMAC(f frame.MACFrame, indirect bool, expiry time.Duration, done func(error)) {
	m.engine.Submit(mac.Transmission{
		Frame:    f,
		Indirect: indirect,
		Expiry:   expiry,
		Done:     done,
	}, m.now)
}

// aggregateDone fans fragment completions into one callback: the first
// error wins, success waits for every fragment.
func (m *Manager) aggregateDone(n int, done func(error)) func(error) {
	left := n
	failed := false
	return func(err error) {
		if failed {
			return
		}
		if err != nil {
			failed = true
			done(err)
			return
		}
		if left--; left == 0 {
			done(nil)
		}
	}
}

type ackKey struct {
	src     frame.ShortAddr
	counter uint8
}

// ackWait tracks one acknowledged APS exchange. Every fragment has to
// clear its MAC hop, then every fragment has to be acknowledged end to
// end before the ack window runs out.
type ackWait struct {
	macLeft int
	apsLeft int
	done    func(error)
}

func (w *ackWait) finish(err error) {
	if w.done != nil {
		w.done(err)
		w.done = nil
	}
}

// armAPSAck registers the wait and returns the per-fragment MAC
// completion feeding it. The ack timer starts only once the last
// fragment cleared its hop, so indirect deliveries to sleeping devices
// do not eat into the ack window.
func (m *Manager) armAPSAck(dest frame.ShortAddr, counter uint8, fragments int, done func(error)) func(error) {
	key := ackKey{src: dest, counter: counter}
	w := &ackWait{macLeft: fragments, apsLeft: fragments, done: done}
	m.acks[key] = w
	return func(err error) {
		if m.acks[key] != w {
			return
		}
		if err != nil {
			delete(m.acks, key)
			w.finish(err)
			return
		}
		if w.macLeft--; w.macLeft == 0 && w.apsLeft > 0 {
			m.armTimer(timer{
				at:      m.now.Add(apsAckWait),
				kind:    timerAPSAck,
				dest:    dest,
				counter: counter,
			})
		}
	}
}

// handleAPSAck resolves inbound acknowledgements against armed waits.
func (m *Manager) handleAPSAck(src frame.ShortAddr, counter uint8) {
	key := ackKey{src: src, counter: counter}
	w, ok := m.acks[key]
	if !ok {
		return
	}
	if w.apsLeft--; w.apsLeft <= 0 {
		delete(m.acks, key)
		w.finish(nil)
	}
}

func (m *Manager) failAPSAck(key ackKey) {
	w, ok := m.acks[key]
	if !ok {
		return
	}
	delete(m.acks, key)
	m.logger.Debug("aps acknowledgement timed out",
		"dest", key.src, "counter", key.counter)
	w.finish(fmt.Errorf("%w: no aps acknowledgement from %v", mac.ErrDeliveryFailed, key.src))
}

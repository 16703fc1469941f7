// Package mac implements the 802.15.4 retry/acknowledgement engine: per
// destination stop-and-wait queues with sequence numbering, ack matching,
// exponential backoff retries, indirect delivery for sleepy devices and
// duplicate suppression on receive.
//
// The engine keeps no goroutines and no real timers. It is driven from the
// network manager loop, which feeds it incoming frames, advances it past
// deadlines and asks it when to wake next. It is not safe for concurrent
// use.
package mac

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"zigpan/internal/frame"
)

// ErrDeliveryFailed is reported when a frame exhausted its retries without
// an acknowledgement.
var ErrDeliveryFailed = errors.New("mac: delivery failed")

// ErrTransactionExpired is reported when an indirect frame was never
// collected by the destination within its poll window.
var ErrTransactionExpired = errors.New("mac: transaction expired")

const (
	defaultMaxRetries      = 3
	defaultAckTimeout      = 250 * time.Millisecond
	defaultMaxAckTimeout   = 2 * time.Second
	defaultDataRequestWait = 10 * time.Second
	defaultDedupWindow     = 2 * time.Second
)

// Config carries the engine parameters. Transmit is called synchronously
// whenever the engine decides a frame goes on the air.
type Config struct {
	ShortAddr    frame.ShortAddr
	ExtendedAddr frame.IEEEAddr

	// AutoAck reports whether the radio acknowledges unicast frames in
	// hardware. When false the engine emits explicit ack frames itself.
	AutoAck bool

	MaxRetries      int           // retransmissions after the first attempt
	AckTimeout      time.Duration // base ack wait, doubled per attempt
	MaxAckTimeout   time.Duration // backoff cap
	DataRequestWait time.Duration // default poll window for indirect frames
	DedupWindow     time.Duration // how long received sequence numbers are remembered

	Transmit func(*frame.MACFrame) error
}

// Transmission is one outbound frame submitted to the engine. The engine
// assigns the sequence number. Done, when set, is called exactly once with
// nil on success or with the delivery error.
type Transmission struct {
	Frame    frame.MACFrame
	Indirect bool          // hold until the destination polls with a DataRequest
	Expiry   time.Duration // poll window override for indirect frames
	Done     func(error)
}

type queueState int

const (
	stateWaitPoll queueState = iota // holding an indirect frame for a DataRequest
	stateWaitAck                    // frame on the air, waiting for its ack
)

type pending struct {
	frame    frame.MACFrame
	indirect bool
	expiry   time.Duration
	attempts int
	done     func(error)
}

// destQueue serializes traffic to one destination: the front is in
// progress, the rest waits. A queue exists only while its front is set.
type destQueue struct {
	state    queueState
	front    *pending
	rest     []*pending
	expect   uint8 // sequence number awaited in stateWaitAck
	deadline time.Time
}

type seenKey struct {
	src frame.MACAddr
	seq uint8
}

// Engine is the retry/ack state machine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	queues map[frame.MACAddr]*destQueue
	dsn    map[frame.MACAddr]uint8
	seen   map[seenKey]time.Time
}

// NewEngine creates an engine with defaults filled in.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.MaxAckTimeout == 0 {
		cfg.MaxAckTimeout = defaultMaxAckTimeout
	}
	if cfg.DataRequestWait == 0 {
		cfg.DataRequestWait = defaultDataRequestWait
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "mac"),
		queues: make(map[frame.MACAddr]*destQueue),
		dsn:    make(map[frame.MACAddr]uint8),
		seen:   make(map[seenKey]time.Time),
	}
}

// nextSeq draws the next sequence number for a destination. Counters are
// seeded randomly per destination and wrap at 256.
func (e *Engine) nextSeq(dest frame.MACAddr) uint8 {
	s, ok := e.dsn[dest]
	if !ok {
		s = uint8(rand.UintN(256))
	}
	e.dsn[dest] = s + 1
	return s
}

// Submit queues one outbound frame. Direct frames to an idle destination
// go on the air immediately.
func (e *Engine) Submit(tx Transmission, now time.Time) {
	p := &pending{
		frame:    tx.Frame,
		indirect: tx.Indirect,
		expiry:   tx.Expiry,
		done:     tx.Done,
	}
	if p.expiry <= 0 {
		p.expiry = e.cfg.DataRequestWait
	}
	if !p.frame.SeqSuppressed {
		p.frame.Seq = e.nextSeq(tx.Frame.Dest)
	}

	q := e.queues[tx.Frame.Dest]
	if q == nil {
		q = &destQueue{front: p}
		e.queues[tx.Frame.Dest] = q
		e.startFront(tx.Frame.Dest, q, now)
		return
	}
	q.rest = append(q.rest, p)
}

// startFront begins processing the queue front: indirect frames arm the
// poll window, everything else transmits.
func (e *Engine) startFront(key frame.MACAddr, q *destQueue, now time.Time) {
	if q.front.indirect {
		q.state = stateWaitPoll
		q.deadline = now.Add(q.front.expiry)
		return
	}
	e.transmitFront(key, q, now)
}

func (e *Engine) transmitFront(key frame.MACAddr, q *destQueue, now time.Time) {
	p := q.front
	if p.indirect {
		// Tell a polling device whether more traffic is held for it.
		p.frame.FramePending = len(q.rest) > 0
	}
	p.attempts++
	err := e.cfg.Transmit(&p.frame)
	if err != nil {
		e.logger.Warn("transmit failed", "dest", p.frame.Dest.String(), "seq", p.frame.Seq, "err", err)
		// Treat like a lost frame: wait out the backoff, then retry.
		q.state = stateWaitAck
		q.expect = p.frame.Seq
		q.deadline = now.Add(e.backoff(p.attempts))
		return
	}
	if p.frame.AckRequest {
		q.state = stateWaitAck
		q.expect = p.frame.Seq
		q.deadline = now.Add(e.backoff(p.attempts))
		return
	}
	e.resolveFront(key, q, now, nil)
}

// backoff returns the ack wait for the given attempt count (1-based),
// doubling from the base and capped.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.AckTimeout
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.MaxAckTimeout {
			return e.cfg.MaxAckTimeout
		}
	}
	if d > e.cfg.MaxAckTimeout {
		return e.cfg.MaxAckTimeout
	}
	return d
}

// resolveFront finishes the front item and starts the next one. The done
// callback runs last so it can safely submit more traffic.
func (e *Engine) resolveFront(key frame.MACAddr, q *destQueue, now time.Time, err error) {
	p := q.front
	q.front = nil
	q.deadline = time.Time{}
	if len(q.rest) > 0 {
		q.front = q.rest[0]
		q.rest = q.rest[1:]
		e.startFront(key, q, now)
	} else {
		delete(e.queues, key)
	}
	if p.done != nil {
		p.done(err)
	}
}

// HandleIncoming runs the receive-side duties: ack matching, duplicate
// suppression, explicit acknowledgements and DataRequest release. It
// reports whether the frame should be passed up to the network layer.
func (e *Engine) HandleIncoming(f *frame.MACFrame, now time.Time) bool {
	// Acks carry no source address; they are matched by sequence number
	// against every waiting queue.
	if f.Type == frame.MACAck {
		e.handleAck(f.Seq, now)
		return false
	}

	if !f.SeqSuppressed && e.isDuplicate(f, now) {
		// Re-acknowledge so the sender stops retrying, but do not
		// deliver again.
		e.maybeAck(f)
		return false
	}
	e.maybeAck(f)

	if f.Type == frame.MACCommand && f.Command != nil && f.Command.ID == frame.CmdDataRequest {
		e.handlePoll(f.Src, now)
	}
	return true
}

func (e *Engine) handleAck(seq uint8, now time.Time) {
	for key, q := range e.queues {
		if q.state == stateWaitAck && q.expect == seq {
			e.logger.Debug("ack matched", "dest", key.String(), "seq", seq)
			e.resolveFront(key, q, now, nil)
		}
	}
}

func (e *Engine) isDuplicate(f *frame.MACFrame, now time.Time) bool {
	key := seenKey{src: f.Src, seq: f.Seq}
	if seenAt, ok := e.seen[key]; ok && now.Sub(seenAt) < e.cfg.DedupWindow {
		return true
	}
	e.seen[key] = now
	return false
}

// maybeAck emits an explicit ack when the radio does not acknowledge in
// hardware. Broadcasts are never acknowledged.
func (e *Engine) maybeAck(f *frame.MACFrame) {
	if e.cfg.AutoAck || !f.AckRequest || f.SeqSuppressed {
		return
	}
	if !e.addressedToUs(f.Dest) {
		return
	}
	ack := frame.MACFrame{Type: frame.MACAck, Seq: f.Seq}
	if err := e.cfg.Transmit(&ack); err != nil {
		e.logger.Warn("ack transmit failed", "seq", f.Seq, "err", err)
	}
}

func (e *Engine) addressedToUs(dest frame.MACAddr) bool {
	switch dest.Mode {
	case frame.AddrModeShort:
		return dest.Short == e.cfg.ShortAddr
	case frame.AddrModeExtended:
		return dest.Extended == e.cfg.ExtendedAddr
	}
	return false
}

// handlePoll releases a held frame when its destination asks for it. The
// queue key must match the poll's source addressing mode: devices poll
// with their extended address during association and with their short
// address afterwards.
func (e *Engine) handlePoll(src frame.MACAddr, now time.Time) {
	q := e.queues[src]
	if q == nil || q.state != stateWaitPoll {
		return
	}
	e.transmitFront(src, q, now)
}

// Advance fires every deadline at or before now: ack timeouts retry or
// fail, expired poll windows discard, and stale dedup entries age out.
func (e *Engine) Advance(now time.Time) {
	for key, q := range e.queues {
		if q.deadline.IsZero() || now.Before(q.deadline) {
			continue
		}
		switch q.state {
		case stateWaitPoll:
			e.logger.Debug("indirect transaction expired", "dest", key.String())
			e.resolveFront(key, q, now, ErrTransactionExpired)
		case stateWaitAck:
			e.retryFront(key, q, now)
		}
	}
	for key, seenAt := range e.seen {
		if now.Sub(seenAt) >= e.cfg.DedupWindow {
			delete(e.seen, key)
		}
	}
}

func (e *Engine) retryFront(key frame.MACAddr, q *destQueue, now time.Time) {
	p := q.front
	if p.attempts > e.cfg.MaxRetries {
		e.logger.Warn("delivery failed", "dest", key.String(), "seq", p.frame.Seq, "attempts", p.attempts)
		e.resolveFront(key, q, now, ErrDeliveryFailed)
		return
	}
	e.transmitFront(key, q, now)
}

// NextWake reports the earliest pending deadline. ok is false when the
// engine has nothing timed.
func (e *Engine) NextWake() (time.Time, bool) {
	var next time.Time
	for _, q := range e.queues {
		if q.deadline.IsZero() {
			continue
		}
		if next.IsZero() || q.deadline.Before(next) {
			next = q.deadline
		}
	}
	return next, !next.IsZero()
}

// Cancel drops all traffic queued for a destination, failing each item
// with err. Used when a device leaves the network.
func (e *Engine) Cancel(dest frame.MACAddr, err error) {
	q := e.queues[dest]
	if q == nil {
		return
	}
	delete(e.queues, dest)
	items := append([]*pending{q.front}, q.rest...)
	for _, p := range items {
		if p.done != nil {
			p.done(err)
		}
	}
}

// FailAll drops every queue, failing each item with err. Used on shutdown
// and network reset.
func (e *Engine) FailAll(err error) {
	keys := make([]frame.MACAddr, 0, len(e.queues))
	for key := range e.queues {
		keys = append(keys, key)
	}
	for _, key := range keys {
		e.Cancel(key, err)
	}
}

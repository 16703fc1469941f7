// Package aps implements the application support sublayer on top of the
// NWK layer: cluster-addressed dispatch of inbound application traffic,
// APS counter assignment, fragmentation of long outbound payloads and
// reassembly of inbound fragments.
//
// Like the MAC engine the layer is passive and driven from the network
// manager loop; handlers are registered once before the loop starts.
package aps

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"zigpan/internal/frame"
)

// ErrFragmentTimeout is reported when a reassembly window elapses before
// all fragments arrive. The partial buffer is discarded.
var ErrFragmentTimeout = errors.New("aps: fragment reassembly timeout")

const (
	// defaultMaxPayload is the largest payload sent in a single APS data
	// frame. Conservative enough to leave room for the MAC, NWK and APS
	// headers plus the auxiliary security header within a 125 byte frame.
	defaultMaxPayload = 64

	defaultFragmentTimeout = 10 * time.Second
)

// Config carries the layer parameters.
type Config struct {
	MaxPayload      int
	FragmentTimeout time.Duration
}

// Message is a complete inbound application payload, reassembled if it
// arrived fragmented.
type Message struct {
	Src          frame.ShortAddr
	SrcEndpoint  uint8
	DestEndpoint uint8
	Cluster      uint16
	Profile      uint16
	Counter      uint8
	Broadcast    bool
	Payload      []byte
}

// Handler consumes a dispatched message.
type Handler func(Message)

// Layer is the APS dispatcher and fragmentation engine.
type Layer struct {
	cfg    Config
	logger *slog.Logger

	counter  uint8
	handlers map[uint16]Handler
	fallback Handler
	onAck    func(src frame.ShortAddr, counter uint8)

	partial map[reassemblyKey]*reassembly
}

// NewLayer creates a layer with defaults filled in. The counter starts at
// a random value so restarts do not replay recent counter space.
func NewLayer(cfg Config, logger *slog.Logger) *Layer {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = defaultFragmentTimeout
	}
	return &Layer{
		cfg:      cfg,
		logger:   logger.With("component", "aps"),
		counter:  uint8(rand.UintN(256)),
		handlers: make(map[uint16]Handler),
		partial:  make(map[reassemblyKey]*reassembly),
	}
}

// Handle registers the handler for one cluster.
func (l *Layer) Handle(cluster uint16, h Handler) {
	l.handlers[cluster] = h
}

// HandleDefault registers the handler for clusters without their own.
func (l *Layer) HandleDefault(h Handler) {
	l.fallback = h
}

// OnAck registers the callback for inbound APS acknowledgements.
func (l *Layer) OnAck(f func(src frame.ShortAddr, counter uint8)) {
	l.onAck = f
}

func (l *Layer) nextCounter() uint8 {
	c := l.counter
	l.counter++
	return c
}

// Send describes one outbound application payload.
type Send struct {
	DestEndpoint uint8
	SrcEndpoint  uint8
	Cluster      uint16
	Profile      uint16
	Payload      []byte
	AckRequest   bool
	Broadcast    bool
}

// BuildData turns a payload into one or more APS data frames sharing a
// counter. Payloads above the single-frame limit are fragmented: the
// first fragment's block field carries the total count, continuations
// their index. Broadcasts cannot be fragmented.
func (l *Layer) BuildData(s Send) ([]*frame.APSFrame, error) {
	delivery := frame.DeliveryUnicast
	if s.Broadcast {
		delivery = frame.DeliveryBroadcast
	}
	counter := l.nextCounter()
	base := frame.APSFrame{
		Type:         frame.APSData,
		Delivery:     delivery,
		AckRequest:   s.AckRequest,
		DestEndpoint: s.DestEndpoint,
		Cluster:      s.Cluster,
		Profile:      s.Profile,
		SrcEndpoint:  s.SrcEndpoint,
		Counter:      counter,
	}

	if len(s.Payload) <= l.cfg.MaxPayload {
		f := base
		f.Payload = s.Payload
		return []*frame.APSFrame{&f}, nil
	}

	if s.Broadcast {
		return nil, fmt.Errorf("%w: broadcast payload of %d bytes cannot be fragmented",
			frame.ErrMalformed, len(s.Payload))
	}
	total := (len(s.Payload) + l.cfg.MaxPayload - 1) / l.cfg.MaxPayload
	if total > 0xFF {
		return nil, fmt.Errorf("%w: payload of %d bytes needs %d fragments",
			frame.ErrMalformed, len(s.Payload), total)
	}

	out := make([]*frame.APSFrame, 0, total)
	for i := 0; i < total; i++ {
		f := base
		start := i * l.cfg.MaxPayload
		end := min(start+l.cfg.MaxPayload, len(s.Payload))
		f.Payload = s.Payload[start:end]
		if i == 0 {
			f.Ext = &frame.APSExtHeader{Fragmentation: frame.FragFirst, Block: uint8(total)}
		} else {
			f.Ext = &frame.APSExtHeader{Fragmentation: frame.FragContinuation, Block: uint8(i)}
		}
		out = append(out, &f)
	}
	return out, nil
}

// BuildAck constructs the acknowledgement for a received data frame:
// endpoints swapped, same cluster and counter: for a fragment, the same
// block so the sender knows which piece arrived.
func (l *Layer) BuildAck(f *frame.APSFrame) *frame.APSFrame {
	ack := &frame.APSFrame{
		Type:         frame.APSAck,
		Delivery:     frame.DeliveryUnicast,
		DestEndpoint: f.SrcEndpoint,
		Cluster:      f.Cluster,
		Profile:      f.Profile,
		SrcEndpoint:  f.DestEndpoint,
		Counter:      f.Counter,
	}
	if f.Ext != nil {
		ack.Ext = &frame.APSExtHeader{Fragmentation: f.Ext.Fragmentation, Block: f.Ext.Block}
	}
	return ack
}

// BuildCommand wraps an already encoded APS command payload in a command
// frame, drawing the next counter. The caller adjusts delivery mode and
// the security flag before sealing.
func (l *Layer) BuildCommand(payload []byte) *frame.APSFrame {
	return &frame.APSFrame{
		Type:     frame.APSCmd,
		Delivery: frame.DeliveryUnicast,
		Counter:  l.nextCounter(),
		Payload:  payload,
	}
}

// Deliver routes one decoded, decrypted APS frame from a source device.
// Data frames dispatch to the cluster handler, fragments are buffered
// until complete, acks go to the ack callback, commands are not consumed
// at this layer and are dropped.
func (l *Layer) Deliver(src frame.ShortAddr, f *frame.APSFrame, now time.Time) {
	switch f.Type {
	case frame.APSAck:
		if l.onAck != nil {
			l.onAck(src, f.Counter)
		}
	case frame.APSCmd:
		l.logger.Debug("aps command not consumed", "src", src.String(), "counter", f.Counter)
	case frame.APSData:
		if f.Ext == nil {
			l.dispatch(Message{
				Src:          src,
				SrcEndpoint:  f.SrcEndpoint,
				DestEndpoint: f.DestEndpoint,
				Cluster:      f.Cluster,
				Profile:      f.Profile,
				Counter:      f.Counter,
				Broadcast:    f.Delivery == frame.DeliveryBroadcast,
				Payload:      f.Payload,
			})
			return
		}
		if payload, ok := l.reassemble(src, f, now); ok {
			l.dispatch(Message{
				Src:          src,
				SrcEndpoint:  f.SrcEndpoint,
				DestEndpoint: f.DestEndpoint,
				Cluster:      f.Cluster,
				Profile:      f.Profile,
				Counter:      f.Counter,
				Payload:      payload,
			})
		}
	}
}

func (l *Layer) dispatch(m Message) {
	h, ok := l.handlers[m.Cluster]
	if !ok {
		h = l.fallback
	}
	if h == nil {
		l.logger.Debug("no handler for cluster",
			"src", m.Src.String(), "cluster", fmt.Sprintf("0x%04X", m.Cluster))
		return
	}
	h(m)
}

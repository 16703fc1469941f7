package aps

import (
	"time"

	"zigpan/internal/frame"
)

type reassemblyKey struct {
	src     frame.ShortAddr
	counter uint8
}

// reassembly buffers the fragments of one (source, counter) exchange.
// total stays zero until the first fragment arrives; fragments may land
// out of order.
type reassembly struct {
	total    int
	parts    map[uint8][]byte
	deadline time.Time
}

// reassemble folds one fragment into its buffer and returns the joined
// payload once every piece is present.
func (l *Layer) reassemble(src frame.ShortAddr, f *frame.APSFrame, now time.Time) ([]byte, bool) {
	key := reassemblyKey{src: src, counter: f.Counter}
	r, ok := l.partial[key]
	if !ok {
		r = &reassembly{
			parts:    make(map[uint8][]byte),
			deadline: now.Add(l.cfg.FragmentTimeout),
		}
		l.partial[key] = r
	}

	var index uint8
	switch f.Ext.Fragmentation {
	case frame.FragFirst:
		// The first fragment's block field is the total count.
		if f.Ext.Block == 0 {
			l.logger.Warn("fragmented frame with zero total", "src", src.String())
			delete(l.partial, key)
			return nil, false
		}
		r.total = int(f.Ext.Block)
		index = 0
	case frame.FragContinuation:
		index = f.Ext.Block
	}

	if r.total > 0 && int(index) >= r.total {
		l.logger.Warn("fragment index out of range",
			"src", src.String(), "index", index, "total", r.total)
		return nil, false
	}
	if _, dup := r.parts[index]; dup {
		return nil, false
	}
	r.parts[index] = append([]byte(nil), f.Payload...)

	if r.total == 0 || len(r.parts) < r.total {
		return nil, false
	}

	payload := make([]byte, 0)
	for i := 0; i < r.total; i++ {
		part, present := r.parts[uint8(i)]
		if !present {
			return nil, false
		}
		payload = append(payload, part...)
	}
	delete(l.partial, key)
	return payload, true
}

// Timeout describes one reassembly discarded by Expire.
type Timeout struct {
	Src      frame.ShortAddr
	Counter  uint8
	Received int
}

// Expire discards reassemblies whose window elapsed and returns them so
// the caller can report each as a FragmentTimeout.
func (l *Layer) Expire(now time.Time) []Timeout {
	var out []Timeout
	for key, r := range l.partial {
		if now.Before(r.deadline) {
			continue
		}
		out = append(out, Timeout{Src: key.src, Counter: key.counter, Received: len(r.parts)})
		delete(l.partial, key)
		l.logger.Warn("reassembly expired",
			"src", key.src.String(), "counter", key.counter,
			"received", len(r.parts), "err", ErrFragmentTimeout)
	}
	return out
}

// NextWake reports the earliest reassembly deadline.
func (l *Layer) NextWake() (time.Time, bool) {
	var next time.Time
	for _, r := range l.partial {
		if next.IsZero() || r.deadline.Before(next) {
			next = r.deadline
		}
	}
	return next, !next.IsZero()
}

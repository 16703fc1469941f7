package mac

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"zigpan/internal/frame"
)

const (
	testCoordShort frame.ShortAddr = frame.CoordinatorAddr
	testCoordIEEE  frame.IEEEAddr  = 0x00124B000E896815
	testPAN        frame.PANID     = 0x1234
)

var testDevice = frame.ShortMACAddr(0x1A2B)

// capture collects everything the engine transmits.
type capture struct {
	frames []frame.MACFrame
	fail   int // fail this many transmits before succeeding
}

func (c *capture) transmit(f *frame.MACFrame) error {
	if c.fail > 0 {
		c.fail--
		return errors.New("radio busy")
	}
	c.frames = append(c.frames, *f)
	return nil
}

func testEngine(autoAck bool) (*Engine, *capture) {
	c := &capture{}
	e := NewEngine(Config{
		ShortAddr:    testCoordShort,
		ExtendedAddr: testCoordIEEE,
		AutoAck:      autoAck,
		Transmit:     c.transmit,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, c
}

func dataTo(dest frame.MACAddr, ack bool) frame.MACFrame {
	return frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: ack,
		DestPAN:    testPAN,
		Dest:       dest,
		SrcPAN:     testPAN,
		Src:        frame.ShortMACAddr(testCoordShort),
		Payload:    []byte{0x01},
	}
}

func dataRequestFrom(src frame.MACAddr) frame.MACFrame {
	return frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		Seq:        0x77,
		DestPAN:    testPAN,
		Dest:       frame.ShortMACAddr(testCoordShort),
		SrcPAN:     testPAN,
		Src:        src,
		Command:    &frame.MACCmd{ID: frame.CmdDataRequest},
	}
}

func TestDirectSendResolvesWithoutAck(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	var doneErr error
	called := false
	e.Submit(Transmission{
		Frame: dataTo(testDevice, false),
		Done:  func(err error) { doneErr = err; called = true },
	}, now)

	if len(c.frames) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(c.frames))
	}
	if !called {
		t.Fatal("done not called")
	}
	if doneErr != nil {
		t.Errorf("done: got %v, want nil", doneErr)
	}
	if _, ok := e.NextWake(); ok {
		t.Error("no deadline expected after resolved send")
	}
}

func TestAckResolvesPending(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	called := false
	e.Submit(Transmission{
		Frame: dataTo(testDevice, true),
		Done:  func(err error) { called = true },
	}, now)

	if len(c.frames) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(c.frames))
	}
	if called {
		t.Fatal("done called before ack")
	}
	seq := c.frames[0].Seq

	ack := frame.MACFrame{Type: frame.MACAck, Seq: seq}
	if e.HandleIncoming(&ack, now.Add(time.Millisecond)) {
		t.Error("ack must not be delivered upward")
	}
	if !called {
		t.Fatal("done not called after matching ack")
	}
}

func TestWrongAckIgnored(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	called := false
	e.Submit(Transmission{
		Frame: dataTo(testDevice, true),
		Done:  func(error) { called = true },
	}, now)

	ack := frame.MACFrame{Type: frame.MACAck, Seq: c.frames[0].Seq + 1}
	e.HandleIncoming(&ack, now)
	if called {
		t.Error("done called on mismatched ack")
	}
}

func TestRetryThenDeliveryFailed(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	var doneErr error
	e.Submit(Transmission{
		Frame: dataTo(testDevice, true),
		Done:  func(err error) { doneErr = err },
	}, now)

	// Initial attempt plus three retries, then failure.
	for i := 0; i < 5; i++ {
		wake, ok := e.NextWake()
		if !ok {
			break
		}
		now = wake
		e.Advance(now)
	}

	if len(c.frames) != 4 {
		t.Errorf("transmitted %d frames, want 4", len(c.frames))
	}
	if !errors.Is(doneErr, ErrDeliveryFailed) {
		t.Errorf("done: got %v, want ErrDeliveryFailed", doneErr)
	}
	if _, ok := e.NextWake(); ok {
		t.Error("deadline still armed after failure")
	}
	for i, f := range c.frames {
		if f.Seq != c.frames[0].Seq {
			t.Errorf("retry %d changed sequence: got %d, want %d", i, f.Seq, c.frames[0].Seq)
		}
	}
}

func TestAckBackoffDoubles(t *testing.T) {
	e, _ := testEngine(true)
	now := time.Unix(0, 0)

	e.Submit(Transmission{Frame: dataTo(testDevice, true)}, now)

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	}
	for i, d := range want {
		wake, ok := e.NextWake()
		if !ok {
			t.Fatalf("attempt %d: no deadline", i+1)
		}
		if got := wake.Sub(now); got != d {
			t.Errorf("attempt %d: backoff got %v, want %v", i+1, got, d)
		}
		now = wake
		e.Advance(now)
	}
}

func TestStopAndWaitOrdering(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	e.Submit(Transmission{Frame: dataTo(testDevice, true)}, now)
	e.Submit(Transmission{Frame: dataTo(testDevice, true)}, now)

	if len(c.frames) != 1 {
		t.Fatalf("second frame transmitted before first acked: %d on air", len(c.frames))
	}

	ack := frame.MACFrame{Type: frame.MACAck, Seq: c.frames[0].Seq}
	e.HandleIncoming(&ack, now)

	if len(c.frames) != 2 {
		t.Fatalf("second frame not started after ack: %d on air", len(c.frames))
	}
	if c.frames[1].Seq != c.frames[0].Seq+1 {
		t.Errorf("sequence: got %d after %d, want consecutive", c.frames[1].Seq, c.frames[0].Seq)
	}
}

func TestSequencesPerDestination(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()
	other := frame.ShortMACAddr(0x558B)

	e.Submit(Transmission{Frame: dataTo(testDevice, false)}, now)
	e.Submit(Transmission{Frame: dataTo(other, false)}, now)
	e.Submit(Transmission{Frame: dataTo(testDevice, false)}, now)
	e.Submit(Transmission{Frame: dataTo(other, false)}, now)

	if len(c.frames) != 4 {
		t.Fatalf("transmitted %d frames, want 4", len(c.frames))
	}
	if c.frames[2].Seq != c.frames[0].Seq+1 {
		t.Errorf("first destination: got %d after %d", c.frames[2].Seq, c.frames[0].Seq)
	}
	if c.frames[3].Seq != c.frames[1].Seq+1 {
		t.Errorf("second destination: got %d after %d", c.frames[3].Seq, c.frames[1].Seq)
	}
}

func TestIndirectHeldUntilPoll(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	e.Submit(Transmission{Frame: dataTo(testDevice, true), Indirect: true}, now)
	if len(c.frames) != 0 {
		t.Fatal("indirect frame transmitted without a poll")
	}

	poll := dataRequestFrom(testDevice)
	if !e.HandleIncoming(&poll, now.Add(time.Second)) {
		t.Error("data request should still reach the network layer")
	}
	if len(c.frames) != 1 {
		t.Fatalf("poll released %d frames, want 1", len(c.frames))
	}
	if c.frames[0].FramePending {
		t.Error("frame pending set with an empty queue behind it")
	}
}

func TestIndirectFramePendingWithBacklog(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	e.Submit(Transmission{Frame: dataTo(testDevice, true), Indirect: true}, now)
	e.Submit(Transmission{Frame: dataTo(testDevice, true), Indirect: true}, now)

	poll := dataRequestFrom(testDevice)
	e.HandleIncoming(&poll, now)
	if len(c.frames) != 1 || !c.frames[0].FramePending {
		t.Fatalf("first release: frames=%d pending=%v", len(c.frames), c.frames[0].FramePending)
	}

	ack := frame.MACFrame{Type: frame.MACAck, Seq: c.frames[0].Seq}
	e.HandleIncoming(&ack, now)

	// Second item is now waiting for its own poll.
	poll2 := dataRequestFrom(testDevice)
	poll2.Seq = 0x78
	e.HandleIncoming(&poll2, now)
	if len(c.frames) != 2 {
		t.Fatalf("second release: %d frames on air", len(c.frames))
	}
	if c.frames[1].FramePending {
		t.Error("frame pending set on last held frame")
	}
}

func TestIndirectExpiry(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	var doneErr error
	e.Submit(Transmission{
		Frame:    dataTo(testDevice, true),
		Indirect: true,
		Expiry:   5 * time.Second,
		Done:     func(err error) { doneErr = err },
	}, now)

	e.Advance(now.Add(4 * time.Second))
	if doneErr != nil {
		t.Fatalf("expired early: %v", doneErr)
	}
	e.Advance(now.Add(5 * time.Second))
	if !errors.Is(doneErr, ErrTransactionExpired) {
		t.Errorf("got %v, want ErrTransactionExpired", doneErr)
	}
	if len(c.frames) != 0 {
		t.Errorf("expired frame was transmitted")
	}
}

func TestPollFromIdleDestination(t *testing.T) {
	e, c := testEngine(true)

	poll := dataRequestFrom(testDevice)
	if !e.HandleIncoming(&poll, time.Now()) {
		t.Error("poll should be delivered upward")
	}
	if len(c.frames) != 0 {
		t.Error("nothing should transmit for an empty queue")
	}
}

func TestDuplicateSuppressedAndReacked(t *testing.T) {
	e, c := testEngine(false) // radio autoack off, engine acks explicitly
	now := time.Now()

	in := dataTo(frame.ShortMACAddr(testCoordShort), true)
	in.Src = testDevice
	in.Seq = 0x42

	if !e.HandleIncoming(&in, now) {
		t.Fatal("first delivery suppressed")
	}
	if len(c.frames) != 1 || c.frames[0].Type != frame.MACAck || c.frames[0].Seq != 0x42 {
		t.Fatalf("expected explicit ack for seq 0x42, got %+v", c.frames)
	}

	if e.HandleIncoming(&in, now.Add(time.Second)) {
		t.Error("duplicate delivered")
	}
	if len(c.frames) != 2 {
		t.Errorf("duplicate not re-acked: %d frames", len(c.frames))
	}

	// Outside the dedup window the same sequence is fresh traffic.
	if !e.HandleIncoming(&in, now.Add(3*time.Second)) {
		t.Error("frame outside the window suppressed")
	}
}

func TestNoExplicitAckWhenRadioAcks(t *testing.T) {
	e, c := testEngine(true)

	in := dataTo(frame.ShortMACAddr(testCoordShort), true)
	in.Src = testDevice
	e.HandleIncoming(&in, time.Now())

	if len(c.frames) != 0 {
		t.Errorf("explicit ack emitted with autoack on: %+v", c.frames)
	}
}

func TestNoAckForBroadcast(t *testing.T) {
	e, c := testEngine(false)

	in := dataTo(frame.ShortMACAddr(frame.BroadcastAll), true)
	in.Src = testDevice
	e.HandleIncoming(&in, time.Now())

	if len(c.frames) != 0 {
		t.Errorf("broadcast acknowledged: %+v", c.frames)
	}
}

func TestTransmitErrorRetries(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()
	c.fail = 1

	called := false
	e.Submit(Transmission{
		Frame: dataTo(testDevice, true),
		Done:  func(error) { called = true },
	}, now)

	if len(c.frames) != 0 {
		t.Fatal("first attempt should have failed in the radio")
	}
	wake, ok := e.NextWake()
	if !ok {
		t.Fatal("no retry scheduled after transmit error")
	}
	e.Advance(wake)
	if len(c.frames) != 1 {
		t.Fatalf("retry not transmitted: %d frames", len(c.frames))
	}

	ack := frame.MACFrame{Type: frame.MACAck, Seq: c.frames[0].Seq}
	e.HandleIncoming(&ack, wake)
	if !called {
		t.Error("done not called after recovered delivery")
	}
}

func TestCancelFailsQueued(t *testing.T) {
	e, _ := testEngine(true)
	now := time.Now()

	var errs []error
	done := func(err error) { errs = append(errs, err) }
	e.Submit(Transmission{Frame: dataTo(testDevice, true), Done: done}, now)
	e.Submit(Transmission{Frame: dataTo(testDevice, true), Done: done}, now)

	e.Cancel(testDevice, ErrDeliveryFailed)

	if len(errs) != 2 {
		t.Fatalf("cancelled %d items, want 2", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, ErrDeliveryFailed) {
			t.Errorf("got %v, want ErrDeliveryFailed", err)
		}
	}
	if _, ok := e.NextWake(); ok {
		t.Error("deadline survives cancellation")
	}
}

func TestFailAllDrains(t *testing.T) {
	e, _ := testEngine(true)
	now := time.Now()

	var count int
	e.Submit(Transmission{Frame: dataTo(testDevice, true), Done: func(error) { count++ }}, now)
	e.Submit(Transmission{Frame: dataTo(frame.ShortMACAddr(0x558B), true), Done: func(error) { count++ }}, now)

	e.FailAll(ErrDeliveryFailed)
	if count != 2 {
		t.Errorf("failed %d items, want 2", count)
	}
}

func TestDoneCanResubmit(t *testing.T) {
	e, c := testEngine(true)
	now := time.Now()

	e.Submit(Transmission{
		Frame: dataTo(testDevice, false),
		Done: func(err error) {
			if err == nil {
				e.Submit(Transmission{Frame: dataTo(testDevice, false)}, now)
			}
		},
	}, now)

	if len(c.frames) != 2 {
		t.Errorf("resubmission from done: %d frames, want 2", len(c.frames))
	}
}

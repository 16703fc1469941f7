package nwk

import (
	"testing"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/registry"
)

func TestSweepDemotesSilentDevice(t *testing.T) {
	h := newHarness(t)
	d := rxOnDevice(devIEEE1)
	h.join(t, d)
	h.clearSent()
	h.resetEvents()

	h.now = testBase.Add(31 * time.Minute)
	h.m.now = h.now
	h.m.sweep(h.now)

	ev := h.lastEvent(t, EventStale)
	if ev.IEEE != d.ieee || ev.Short != d.short {
		t.Errorf("stale event addresses: got %v/%v, want %v/%v", ev.IEEE, ev.Short, d.ieee, d.short)
	}
	rec, ok := h.m.registry.Get(d.ieee)
	if !ok || rec.State != registry.StateStale {
		t.Fatalf("device state after sweep: got %v, want stale", rec.State)
	}

	// An rx-on device gets probed right away.
	probe := h.lastMAC(t)
	if probe.Type != frame.MACData || !probe.AckRequest {
		t.Errorf("probe frame: type %v ack %v", probe.Type, probe.AckRequest)
	}
	if probe.Dest != frame.ShortMACAddr(d.short) {
		t.Errorf("probe dest: got %v, want %v", probe.Dest, d.short)
	}
	if len(probe.Payload) != 0 {
		t.Errorf("probe carries %d payload bytes, want none", len(probe.Payload))
	}
}

func TestProbeAckRefreshesButDoesNotRecover(t *testing.T) {
	h := newHarness(t)
	d := rxOnDevice(devIEEE1)
	h.join(t, d)
	h.clearSent()
	h.resetEvents()

	h.now = testBase.Add(31 * time.Minute)
	h.m.now = h.now
	h.m.sweep(h.now)
	probe := h.lastMAC(t)

	// The MAC ack proves a radio is there, not that it holds our keys.
	h.deliver(macAck(probe.Seq))
	if h.hasEvent(EventRecovered) {
		t.Fatal("probe ack alone recovered the device")
	}
	rec, _ := h.m.registry.Get(d.ieee)
	if rec.State != registry.StateStale {
		t.Fatalf("state after probe ack: got %v, want stale", rec.State)
	}

	// A frame under the network key does recover it.
	h.deliver(deviceData(t, d, 0x01))
	ev := h.lastEvent(t, EventRecovered)
	if ev.IEEE != d.ieee {
		t.Errorf("recovered event ieee: got %v, want %v", ev.IEEE, d.ieee)
	}
	rec, _ = h.m.registry.Get(d.ieee)
	if rec.State != registry.StateActive {
		t.Errorf("state after verified frame: got %v, want active", rec.State)
	}
}

func TestUnreachableStaleDeviceRemoved(t *testing.T) {
	h := newHarness(t)
	d := rxOnDevice(devIEEE1)
	h.join(t, d)
	h.clearSent()
	h.resetEvents()

	h.now = testBase.Add(31 * time.Minute)
	h.m.now = h.now
	h.m.sweep(h.now)

	// Probe runs out of retries with no answer.
	for i := 0; i < 4; i++ {
		h.tick(3 * time.Second)
	}
	if got := len(h.tr.sent); got != 4 {
		t.Errorf("probe attempts: got %d, want 4", got)
	}

	ev := h.lastEvent(t, EventLeft)
	if ev.IEEE != d.ieee {
		t.Errorf("left event ieee: got %v, want %v", ev.IEEE, d.ieee)
	}
	rec, ok := h.m.registry.Get(d.ieee)
	if !ok || rec.State != registry.StateLeft {
		t.Fatalf("device state: got %v, want left", rec.State)
	}
	if _, ok := h.m.registry.ByShort(d.short); ok {
		t.Error("short address still bound after removal")
	}
}

func TestSweepDoesNotProbeSleepy(t *testing.T) {
	h := newHarness(t)
	d := sleepyDevice(devIEEE1)
	h.join(t, d)
	h.clearSent()
	h.resetEvents()

	h.now = testBase.Add(31 * time.Minute)
	h.m.now = h.now
	h.m.sweep(h.now)

	if !h.hasEvent(EventStale) {
		t.Fatal("sleepy device not demoted")
	}
	// A probe would sit in the indirect queue forever; the device has to
	// show up on its own.
	if got := len(h.tr.sent); got != 0 {
		t.Errorf("transmissions after sweep: got %d, want none", got)
	}
}

func TestMACTrafficKeepsDeviceAlive(t *testing.T) {
	h := newHarness(t)
	d := rxOnDevice(devIEEE1)
	h.join(t, d)
	h.resetEvents()

	// A poll twenty minutes in resets the silence clock.
	h.now = testBase.Add(20 * time.Minute)
	h.deliver(d.pollShort())

	h.m.sweep(testBase.Add(35 * time.Minute))
	if h.hasEvent(EventStale) {
		t.Fatal("polling device went stale")
	}

	// So does an empty keepalive data frame.
	h.now = testBase.Add(45 * time.Minute)
	h.deliver(d.macData(frame.ShortMACAddr(frame.CoordinatorAddr), true, nil))

	h.m.sweep(testBase.Add(55 * time.Minute))
	if h.hasEvent(EventStale) {
		t.Fatal("keepalive did not refresh liveness")
	}
	rec, _ := h.m.registry.Get(d.ieee)
	if rec.State != registry.StateActive {
		t.Errorf("device state: got %v, want active", rec.State)
	}
}

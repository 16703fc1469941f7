package nwk

import (
	"context"
	"errors"
	"testing"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/registry"
	"zigpan/internal/security"
)

func TestStartConfiguresRadio(t *testing.T) {
	tr := newFakeTransport()
	m := New(Config{Channel: testChannel, PANID: testPAN}, tr, discardLogger())
	var events []Event
	m.OnEvent(func(ev Event) { events = append(events, ev) })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if tr.channel != testChannel {
		t.Errorf("radio channel: got %d, want %d", tr.channel, testChannel)
	}
	if len(tr.ops) == 0 || tr.ops[0] != "on" {
		t.Fatalf("first radio op: got %v, want on", tr.ops)
	}
	found := false
	for _, op := range tr.ops {
		if op == "rxmode" {
			found = true
		}
	}
	if !found {
		t.Errorf("rx mode never configured, ops %v", tr.ops)
	}

	if len(events) != 1 || events[0].Kind != EventNetworkUp {
		t.Fatalf("events after Start: got %v, want [network_up]", events)
	}
	net := events[0].Network
	if net == nil {
		t.Fatal("network_up without network identity")
	}
	if net.Channel != testChannel || net.PANID != testPAN {
		t.Errorf("network identity: got %d/%v, want %d/%v",
			net.Channel, net.PANID, testChannel, testPAN)
	}
	if net.Coordinator != testCoordIEEE || net.ExtendedPANID != testCoordIEEE {
		t.Errorf("coordinator identity: got %v/%v, want %v",
			net.Coordinator, net.ExtendedPANID, testCoordIEEE)
	}
}

func TestStartScansForQuietChannel(t *testing.T) {
	tr := newFakeTransport()
	tr.rssi[20] = -90
	m := New(Config{PANID: testPAN}, tr, discardLogger())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.net.Channel != 20 {
		t.Errorf("scanned channel: got %d, want 20", m.net.Channel)
	}
	if tr.channel != 20 {
		t.Errorf("radio channel after scan: got %d, want 20", tr.channel)
	}
}

func TestStartRejectsInvalidChannel(t *testing.T) {
	tr := newFakeTransport()
	m := New(Config{Channel: 5, PANID: testPAN}, tr, discardLogger())

	err := m.Start(context.Background())
	if !errors.Is(err, ErrNetworkError) {
		t.Fatalf("Start with channel 5: got %v, want ErrNetworkError", err)
	}
}

func TestStartGeneratesPANID(t *testing.T) {
	tr := newFakeTransport()
	m := New(Config{Channel: testChannel}, tr, discardLogger())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.net.PANID == 0 || m.net.PANID == frame.BroadcastPANID {
		t.Errorf("generated pan id %v is reserved", m.net.PANID)
	}
}

func TestStartResumesSnapshot(t *testing.T) {
	joined := testBase.Add(-24 * time.Hour)
	snap := &Snapshot{
		Network: Network{
			Channel:       testChannel,
			PANID:         testPAN,
			ExtendedPANID: testCoordIEEE,
			Coordinator:   testCoordIEEE,
			UpdateID:      3,
		},
		Active:     security.KeySlot{Key: security.Key{1, 2, 3}, Seq: 4},
		NWKCounter: 1000,
		APSCounter: 50,
		Incoming:   map[frame.IEEEAddr]uint32{devIEEE1: 77},
		Devices: []registry.Device{{
			IEEE:         devIEEE1,
			Short:        0x558B,
			Type:         registry.TypeEndDevice,
			Capabilities: frame.CapabilityInfo{RxOnWhenIdle: true},
			State:        registry.StateActive,
			JoinedAt:     joined,
			LastSeen:     joined,
		}},
	}

	tr := newFakeTransport()
	m := New(Config{Channel: testChannel, PANID: testPAN, Restore: snap}, tr, discardLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if m.net != snap.Network {
		t.Errorf("network identity: got %+v, want %+v", m.net, snap.Network)
	}
	if got := m.keys.ActiveSlot(); got != snap.Active {
		t.Errorf("active key slot: got seq %d, want seq %d", got.Seq, snap.Active.Seq)
	}
	if got, want := m.keys.NWKCounter(), snap.NWKCounter+security.CounterSlack; got != want {
		t.Errorf("nwk counter: got %d, want %d", got, want)
	}
	d, ok := m.registry.ByShort(0x558B)
	if !ok {
		t.Fatal("restored device not found by short address")
	}
	if d.IEEE != devIEEE1 || d.State != registry.StateActive {
		t.Errorf("restored device: got %v state %v, want %v active", d.IEEE, d.State, devIEEE1)
	}
}

func TestStartMismatchedSnapshotFormsFresh(t *testing.T) {
	snap := &Snapshot{
		Network: Network{
			Channel:     testChannel,
			PANID:       testPAN,
			Coordinator: testCoordIEEE,
		},
		Active:     security.KeySlot{Key: security.Key{9}, Seq: 2},
		NWKCounter: 5000,
		Devices:    []registry.Device{{IEEE: devIEEE1, Short: 0x558B, State: registry.StateActive}},
	}

	// Operator moved the network to another channel.
	tr := newFakeTransport()
	m := New(Config{Channel: 20, PANID: testPAN, Restore: snap}, tr, discardLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.net.Channel != 20 {
		t.Errorf("channel after mismatch: got %d, want 20", m.net.Channel)
	}
	if got := m.keys.NWKCounter(); got != 0 {
		t.Errorf("nwk counter after fresh formation: got %d, want 0", got)
	}
	if devices := m.registry.List(); len(devices) != 0 {
		t.Errorf("device table after fresh formation: got %d entries, want 0", len(devices))
	}

	// Snapshot from a different radio.
	snap.Network.Channel = testChannel
	snap.Network.Coordinator = devIEEE2
	tr = newFakeTransport()
	m = New(Config{Channel: testChannel, PANID: testPAN, Restore: snap}, tr, discardLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.net.Coordinator != testCoordIEEE {
		t.Errorf("coordinator after foreign snapshot: got %v, want %v",
			m.net.Coordinator, testCoordIEEE)
	}
	if got := m.keys.ActiveSlot().Seq; got != 0 {
		t.Errorf("key seq after fresh formation: got %d, want 0", got)
	}
}

func TestStartResumesMidRotation(t *testing.T) {
	oldSlot := security.KeySlot{Key: security.Key{0xAA}, Seq: 6}
	newSlot := security.KeySlot{Key: security.Key{0xBB}, Seq: 7}
	snap := &Snapshot{
		Network: Network{
			Channel:       testChannel,
			PANID:         testPAN,
			ExtendedPANID: testCoordIEEE,
			Coordinator:   testCoordIEEE,
		},
		Active:  oldSlot,
		Pending: &newSlot,
	}

	tr := newFakeTransport()
	m := New(Config{Channel: testChannel, PANID: testPAN, Restore: snap}, tr, discardLogger())
	var events []Event
	m.OnEvent(func(ev Event) { events = append(events, ev) })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.rotation != rotationTransported {
		t.Fatalf("rotation phase after resume: got %d, want transported", m.rotation)
	}

	// The re-armed switch timer is due shortly after startup.
	m.fireTimers(time.Now().Add(time.Minute))

	if got := m.keys.ActiveSlot(); got != newSlot {
		t.Errorf("active slot after switch: got seq %d, want seq %d", got.Seq, newSlot.Seq)
	}
	rotated := false
	for _, ev := range events {
		if ev.Kind == EventKeyRotated && ev.KeySeq == newSlot.Seq {
			rotated = true
		}
	}
	if !rotated {
		t.Errorf("missing key_rotated event, have %v", events)
	}

	// The switch order went out under the key being retired.
	if len(tr.sent) != 1 {
		t.Fatalf("transmissions after switch: got %d, want 1", len(tr.sent))
	}
	dev := security.NewManager(discardLogger(), devIEEE1, security.WellKnownLinkKey, oldSlot)
	mf, err := frame.DecodeMAC(tr.sent[0])
	if err != nil {
		t.Fatalf("decoding switch frame: %v", err)
	}
	nf, headerLen, err := frame.DecodeNWK(mf.Payload)
	if err != nil {
		t.Fatalf("decoding switch nwk frame: %v", err)
	}
	if !nf.Security {
		t.Fatal("switch key sent unsecured")
	}
	pt, err := dev.OpenNWK(mf.Payload[:headerLen], nf.Payload, 0)
	if err != nil {
		t.Fatalf("opening switch frame under old key: %v", err)
	}
	af, _, err := frame.DecodeAPS(pt)
	if err != nil {
		t.Fatalf("decoding switch aps frame: %v", err)
	}
	cmd, err := frame.DecodeAPSCmd(af.Payload)
	if err != nil {
		t.Fatalf("decoding switch command: %v", err)
	}
	if cmd.ID != frame.APSCmdSwitchKey || cmd.SwitchKey == nil {
		t.Fatalf("expected switch key command, got id %d", cmd.ID)
	}
	if cmd.SwitchKey.Seq != newSlot.Seq {
		t.Errorf("switch key seq: got %d, want %d", cmd.SwitchKey.Seq, newSlot.Seq)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	d := rxOnDevice(devIEEE1)
	h.join(t, d)

	// Some traffic so the counters move off zero.
	raw := d.securedNWK(t, frame.NWKData, frame.CoordinatorAddr,
		d.apsData(t, 0x0006, 3, false, []byte{0x01}))
	h.deliver(d.macData(frame.ShortMACAddr(frame.CoordinatorAddr), false, raw))

	snap := h.m.snapshot()
	if len(snap.Devices) != 1 {
		t.Fatalf("snapshot devices: got %d, want 1", len(snap.Devices))
	}
	if snap.Incoming[d.ieee] == 0 {
		t.Fatal("snapshot missing replay floor for joined device")
	}

	h2 := newHarness(t, func(c *Config) { c.Restore = snap })
	d2, ok := h2.m.registry.Get(d.ieee)
	if !ok {
		t.Fatal("device missing after restore")
	}
	if d2.Short != d.short || d2.State != registry.StateActive {
		t.Errorf("restored device: got short %v state %v, want %v active",
			d2.Short, d2.State, d.short)
	}

	// The device keeps talking under its old key material without
	// renegotiation.
	raw = d.securedNWK(t, frame.NWKData, frame.CoordinatorAddr,
		d.apsData(t, 0x0006, 3, false, []byte{0x02}))
	h2.deliver(d.macData(frame.ShortMACAddr(frame.CoordinatorAddr), false, raw))
	ev := h2.lastEvent(t, EventCommandReceived)
	if ev.IEEE != d.ieee || ev.Cluster != 0x0006 {
		t.Errorf("command after restore: got %v/%#04x, want %v/0x0006",
			ev.IEEE, ev.Cluster, d.ieee)
	}
}

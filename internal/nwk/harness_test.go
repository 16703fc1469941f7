package nwk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"zigpan/internal/aps"
	"zigpan/internal/frame"
	"zigpan/internal/radio"
	"zigpan/internal/security"
)

const (
	testCoordIEEE frame.IEEEAddr = 0x00124B000E896815
	testPAN       frame.PANID    = 0x1A62
	testChannel   uint16         = 15

	devIEEE1 frame.IEEEAddr = 0x00124B00AABB0001
	devIEEE2 frame.IEEEAddr = 0x00124B00AABB0002
)

// testBase is the loop clock for every test; real wall-clock timers armed
// during Start stay far in the future and never fire into a test.
var testBase = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records radio configuration and captures every frame put
// on the air. Received frames are injected by the tests directly through
// the manager's dispatch, so the handler is unused outside the loop tests.
type fakeTransport struct {
	ops     []string
	sent    [][]byte
	channel uint16
	long    frame.IEEEAddr

	// rssi is the reading per channel; unlisted channels read busy so a
	// scan picks the explicitly quiet one.
	rssi map[uint16]int16

	handler func(radio.Frame)
	done    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		long: testCoordIEEE,
		rssi: make(map[uint16]int16),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) op(s string) { f.ops = append(f.ops, s) }

func (f *fakeTransport) On(context.Context) error  { f.op("on"); return nil }
func (f *fakeTransport) Off(context.Context) error { f.op("off"); return nil }

func (f *fakeTransport) SetChannel(_ context.Context, ch uint16) error {
	f.channel = ch
	f.op(fmt.Sprintf("channel=%d", ch))
	return nil
}

func (f *fakeTransport) SetPANID(_ context.Context, pan frame.PANID) error {
	f.op(fmt.Sprintf("pan=%#04x", uint16(pan)))
	return nil
}

func (f *fakeTransport) SetShortAddress(_ context.Context, addr frame.ShortAddr) error {
	f.op(fmt.Sprintf("short=%#04x", uint16(addr)))
	return nil
}

func (f *fakeTransport) SetRxMode(_ context.Context, mode radio.RxMode) error {
	f.op("rxmode")
	return nil
}

func (f *fakeTransport) SetTxPower(_ context.Context, dbm int16) error {
	f.op(fmt.Sprintf("txpower=%d", dbm))
	return nil
}

func (f *fakeTransport) LongAddress(context.Context) (frame.IEEEAddr, error) {
	return f.long, nil
}

func (f *fakeTransport) ChannelRange(context.Context) (uint16, uint16, error) {
	return 11, 26, nil
}

func (f *fakeTransport) RSSI(context.Context) (int16, error) {
	if v, ok := f.rssi[f.channel]; ok {
		return v, nil
	}
	return -40, nil
}

func (f *fakeTransport) Send(_ context.Context, raw []byte) error {
	f.sent = append(f.sent, append([]byte(nil), raw...))
	return nil
}

func (f *fakeTransport) OnFrame(h func(radio.Frame)) { f.handler = h }
func (f *fakeTransport) Done() <-chan struct{}       { return f.done }

func (f *fakeTransport) Close() error {
	close(f.done)
	return nil
}

// harness is a started manager driven synchronously: frames are delivered
// straight into the dispatch and the clock only moves when a test says so.
type harness struct {
	m      *Manager
	tr     *fakeTransport
	events []Event
	now    time.Time
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := Config{Channel: testChannel, PANID: testPAN}
	for _, fn := range mutate {
		fn(&cfg)
	}
	tr := newFakeTransport()
	m := New(cfg, tr, discardLogger())
	h := &harness{m: m, tr: tr, now: testBase}
	m.OnEvent(func(ev Event) { h.events = append(h.events, ev) })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.now = testBase
	h.events = nil
	return h
}

// deliver injects one frame as if it came off the radio at the current
// test clock.
func (h *harness) deliver(f *frame.MACFrame) {
	h.m.now = h.now
	h.m.dispatchMAC(f)
}

// tick advances the clock and every time-based machine with it.
func (h *harness) tick(d time.Duration) {
	h.now = h.now.Add(d)
	h.m.advance(h.now)
}

// fire moves the clock to at and fires due stack timers without touching
// the MAC engine, isolating the timer under test from retry machinery.
func (h *harness) fire(at time.Time) {
	h.now = at
	h.m.now = at
	h.m.fireTimers(at)
}

func (h *harness) clearSent()   { h.tr.sent = nil }
func (h *harness) resetEvents() { h.events = nil }

func (h *harness) lastMAC(t *testing.T) *frame.MACFrame {
	t.Helper()
	if len(h.tr.sent) == 0 {
		t.Fatal("nothing transmitted")
	}
	f, err := frame.DecodeMAC(h.tr.sent[len(h.tr.sent)-1])
	if err != nil {
		t.Fatalf("decoding transmitted frame: %v", err)
	}
	return f
}

func (h *harness) sentMAC(t *testing.T) []*frame.MACFrame {
	t.Helper()
	out := make([]*frame.MACFrame, 0, len(h.tr.sent))
	for _, raw := range h.tr.sent {
		f, err := frame.DecodeMAC(raw)
		if err != nil {
			t.Fatalf("decoding transmitted frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func (h *harness) hasEvent(kind EventKind) bool {
	for _, ev := range h.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (h *harness) lastEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == kind {
			return h.events[i]
		}
	}
	t.Fatalf("no %s event, have %v", kind, h.events)
	return Event{}
}

func (h *harness) countEvents(kind EventKind) int {
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// policyFunc adapts a function to the AdmissionPolicy interface.
type policyFunc func(JoinRequest) bool

func (f policyFunc) Admit(req JoinRequest) bool { return f(req) }

// result captures a send completion.
type result struct {
	called int
	err    error
}

func (r *result) done(err error) {
	r.called++
	r.err = err
}

// simDevice is the remote end of an exchange: it builds the frames a real
// device would send and opens the coordinator's frames with its own key
// material, so every assertion crosses the actual wire format.
type simDevice struct {
	ieee  frame.IEEEAddr
	short frame.ShortAddr
	caps  frame.CapabilityInfo
	sec   *security.Manager

	macSeq uint8
	nwkSeq uint8
	apsCtr uint8
}

func rxOnDevice(ieee frame.IEEEAddr) *simDevice {
	return &simDevice{
		ieee: ieee,
		caps: frame.CapabilityInfo{RxOnWhenIdle: true, SecurityCapable: true, AllocateAddress: true},
	}
}

func sleepyDevice(ieee frame.IEEEAddr) *simDevice {
	return &simDevice{
		ieee: ieee,
		caps: frame.CapabilityInfo{SecurityCapable: true, AllocateAddress: true},
	}
}

func routerDevice(ieee frame.IEEEAddr) *simDevice {
	return &simDevice{
		ieee: ieee,
		caps: frame.CapabilityInfo{
			FullFunction: true, ACPower: true, RxOnWhenIdle: true,
			SecurityCapable: true, AllocateAddress: true,
		},
	}
}

func (d *simDevice) nextMACSeq() uint8 {
	d.macSeq++
	return d.macSeq
}

func (d *simDevice) associationRequest() *frame.MACFrame {
	caps := d.caps
	return &frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		Seq:        d.nextMACSeq(),
		DestPAN:    testPAN,
		Dest:       frame.ShortMACAddr(frame.CoordinatorAddr),
		SrcPAN:     frame.BroadcastPANID,
		Src:        frame.ExtendedMACAddr(d.ieee),
		Command:    &frame.MACCmd{ID: frame.CmdAssociationRequest, AssociationRequest: &caps},
	}
}

func (d *simDevice) pollExtended() *frame.MACFrame {
	return &frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		Seq:        d.nextMACSeq(),
		DestPAN:    testPAN,
		Dest:       frame.ShortMACAddr(frame.CoordinatorAddr),
		SrcPAN:     testPAN,
		Src:        frame.ExtendedMACAddr(d.ieee),
		Command:    &frame.MACCmd{ID: frame.CmdDataRequest},
	}
}

func (d *simDevice) pollShort() *frame.MACFrame {
	return &frame.MACFrame{
		Type:       frame.MACCommand,
		AckRequest: true,
		Seq:        d.nextMACSeq(),
		DestPAN:    testPAN,
		Dest:       frame.ShortMACAddr(frame.CoordinatorAddr),
		SrcPAN:     testPAN,
		Src:        frame.ShortMACAddr(d.short),
		Command:    &frame.MACCmd{ID: frame.CmdDataRequest},
	}
}

func macAck(seq uint8) *frame.MACFrame {
	return &frame.MACFrame{Type: frame.MACAck, Seq: seq}
}

// macData wraps network bytes in a MAC data frame from the device's short
// address.
func (d *simDevice) macData(dest frame.MACAddr, ack bool, payload []byte) *frame.MACFrame {
	return &frame.MACFrame{
		Type:       frame.MACData,
		AckRequest: ack,
		Seq:        d.nextMACSeq(),
		DestPAN:    testPAN,
		Dest:       dest,
		SrcPAN:     testPAN,
		Src:        frame.ShortMACAddr(d.short),
		Payload:    payload,
	}
}

// securedNWK seals a payload into a network frame under the device's key.
func (d *simDevice) securedNWK(t *testing.T, typ frame.NWKType, dest frame.ShortAddr, plain []byte) []byte {
	t.Helper()
	if d.sec == nil {
		t.Fatal("device has no network key yet")
	}
	d.nwkSeq++
	nf := &frame.NWKFrame{
		Type:     typ,
		Version:  frame.NWKProtocolVersion,
		Security: true,
		Dest:     dest,
		Src:      d.short,
		Radius:   1,
		Seq:      d.nwkSeq,
	}
	header, err := frame.EncodeNWK(nf)
	if err != nil {
		t.Fatalf("encoding nwk header: %v", err)
	}
	nf.Payload = d.sec.SecureNWK(header, plain)
	raw, err := frame.EncodeNWK(nf)
	if err != nil {
		t.Fatalf("encoding nwk frame: %v", err)
	}
	return raw
}

// tcRejoinRequest is the unsecured rejoin a device sends after losing the
// network key. The extended address in the header is its only identity.
func (d *simDevice) tcRejoinRequest(t *testing.T) []byte {
	t.Helper()
	body, err := frame.EncodeNWKCmd(&frame.NWKCmd{
		ID:            frame.NWKCmdRejoinRequest,
		RejoinRequest: &frame.RejoinRequest{Capability: d.caps},
	})
	if err != nil {
		t.Fatalf("encoding rejoin request: %v", err)
	}
	d.nwkSeq++
	raw, err := frame.EncodeNWK(&frame.NWKFrame{
		Type:       frame.NWKCommand,
		Version:    frame.NWKProtocolVersion,
		Dest:       frame.CoordinatorAddr,
		Src:        d.short,
		HasSrcIEEE: true,
		SrcIEEE:    d.ieee,
		Radius:     1,
		Seq:        d.nwkSeq,
		Payload:    body,
	})
	if err != nil {
		t.Fatalf("encoding rejoin frame: %v", err)
	}
	return raw
}

// plainNWK builds an unsecured network frame from the device.
func (d *simDevice) plainNWK(t *testing.T, typ frame.NWKType, dest frame.ShortAddr, payload []byte) []byte {
	t.Helper()
	d.nwkSeq++
	raw, err := frame.EncodeNWK(&frame.NWKFrame{
		Type:    typ,
		Version: frame.NWKProtocolVersion,
		Dest:    dest,
		Src:     d.short,
		Radius:  1,
		Seq:     d.nwkSeq,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("encoding nwk frame: %v", err)
	}
	return raw
}

// openNWK decodes a coordinator network frame and decrypts it the way the
// device would. Each captured frame must be opened at most once per
// device, since opening moves the device's replay floor.
func (d *simDevice) openNWK(t *testing.T, raw []byte) (*frame.NWKFrame, []byte) {
	t.Helper()
	nf, headerLen, err := frame.DecodeNWK(raw)
	if err != nil {
		t.Fatalf("decoding nwk frame: %v", err)
	}
	if !nf.Security {
		return nf, nf.Payload
	}
	if d.sec == nil {
		t.Fatal("device has no network key yet")
	}
	pt, err := d.sec.OpenNWK(raw[:headerLen], nf.Payload, 0)
	if err != nil {
		t.Fatalf("opening nwk frame: %v", err)
	}
	return nf, pt
}

// apsData builds an encoded application data frame from the device.
func (d *simDevice) apsData(t *testing.T, cluster uint16, endpoint uint8, ackReq bool, payload []byte) []byte {
	t.Helper()
	d.apsCtr++
	raw, err := frame.EncodeAPS(&frame.APSFrame{
		Type:         frame.APSData,
		Delivery:     frame.DeliveryUnicast,
		AckRequest:   ackReq,
		DestEndpoint: coordinatorEndpoint,
		Cluster:      cluster,
		Profile:      aps.ProfileHomeAutomation,
		SrcEndpoint:  endpoint,
		Counter:      d.apsCtr,
		Payload:      payload,
	})
	if err != nil {
		t.Fatalf("encoding aps frame: %v", err)
	}
	return raw
}

// announceFrame is the ZDO device announce broadcast sent after the key
// handshake, sealed under the freshly received network key.
func (d *simDevice) announceFrame(t *testing.T) *frame.MACFrame {
	t.Helper()
	d.apsCtr++
	ann := aps.DeviceAnnounce{Seq: d.apsCtr, Short: d.short, IEEE: d.ieee, Capability: d.caps}
	apsRaw, err := frame.EncodeAPS(&frame.APSFrame{
		Type:         frame.APSData,
		Delivery:     frame.DeliveryBroadcast,
		DestEndpoint: aps.EndpointZDO,
		Cluster:      aps.ClusterDeviceAnnounce,
		Profile:      aps.ProfileZDO,
		SrcEndpoint:  aps.EndpointZDO,
		Counter:      d.apsCtr,
		Payload:      ann.Encode(),
	})
	if err != nil {
		t.Fatalf("encoding device announce: %v", err)
	}
	raw := d.securedNWK(t, frame.NWKData, frame.BroadcastRxOn, apsRaw)
	return d.macData(frame.ShortMACAddr(frame.BroadcastAll), false, raw)
}

// decodeTransportKey opens a captured key transport frame as the
// addressed device and returns the delivered key slot. It handles both
// flavors: the handshake transport (plain network frame, payload sealed
// under the key-transport key) and the rotation transport (secured
// network frame, plain payload).
func (h *harness) decodeTransportKey(t *testing.T, d *simDevice, mf *frame.MACFrame) security.KeySlot {
	t.Helper()
	nf, headerLen, err := frame.DecodeNWK(mf.Payload)
	if err != nil {
		t.Fatalf("decoding key transport: %v", err)
	}
	payload := nf.Payload
	if nf.Security {
		if d.sec == nil {
			t.Fatal("secured key transport but device has no key")
		}
		pt, err := d.sec.OpenNWK(mf.Payload[:headerLen], nf.Payload, 0)
		if err != nil {
			t.Fatalf("opening key transport: %v", err)
		}
		payload = pt
	}
	af, apsHeaderLen, err := frame.DecodeAPS(payload)
	if err != nil {
		t.Fatalf("decoding key transport aps frame: %v", err)
	}
	body := af.Payload
	if af.Security {
		opener := d.sec
		if opener == nil {
			opener = security.NewManager(discardLogger(), d.ieee, security.WellKnownLinkKey, security.KeySlot{})
		}
		pt, err := opener.OpenAPS(payload[:apsHeaderLen], af.Payload, testCoordIEEE)
		if err != nil {
			t.Fatalf("opening key transport payload: %v", err)
		}
		body = pt
	}
	cmd, err := frame.DecodeAPSCmd(body)
	if err != nil {
		t.Fatalf("decoding key transport command: %v", err)
	}
	if cmd.ID != frame.APSCmdTransportKey || cmd.TransportKey == nil {
		t.Fatalf("expected transport key command, got id %d", cmd.ID)
	}
	if cmd.TransportKey.DestIEEE != 0 && cmd.TransportKey.DestIEEE != d.ieee {
		t.Fatalf("transport key addressed to %v, want %v", cmd.TransportKey.DestIEEE, d.ieee)
	}
	return security.KeySlot{Key: cmd.TransportKey.Key, Seq: cmd.TransportKey.Seq}
}

// newDeviceSecurity is the device's key context after a handshake
// delivered slot.
func newDeviceSecurity(d *simDevice, slot security.KeySlot) *security.Manager {
	return security.NewManager(discardLogger(), d.ieee, security.WellKnownLinkKey, slot)
}

// join walks a device through the full commissioning exchange and leaves
// it active: association request, extended poll for the response, key
// transport on the short-address poll, then the announce broadcast.
func (h *harness) join(t *testing.T, d *simDevice) {
	t.Helper()
	if !h.m.permitOpen(h.now) {
		h.m.now = h.now
		h.m.permitJoin(time.Minute)
	}

	h.deliver(d.associationRequest())
	h.deliver(d.pollExtended())
	resp := h.lastMAC(t)
	if resp.Command == nil || resp.Command.AssociationResponse == nil {
		t.Fatalf("expected association response, got %v frame", resp.Type)
	}
	if got := resp.Command.AssociationResponse.Status; got != frame.AssocSuccess {
		t.Fatalf("association status: got %v, want %v", got, frame.AssocSuccess)
	}
	d.short = resp.Command.AssociationResponse.Short
	h.deliver(macAck(resp.Seq))

	h.deliver(d.pollShort())
	tk := h.lastMAC(t)
	slot := h.decodeTransportKey(t, d, tk)
	h.deliver(macAck(tk.Seq))

	d.sec = newDeviceSecurity(d, slot)
	h.deliver(d.announceFrame(t))
}

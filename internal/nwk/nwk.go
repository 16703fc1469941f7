// Package nwk is the Zigbee network layer: one event loop that owns the
// device registry, the route table, the key material and the MAC retry
// engine, and drives them from radio frames, timer deadlines and operator
// commands. All of that state is confined to the loop goroutine; external
// callers go through the exported methods, which marshal onto the loop
// and never touch it directly.
package nwk

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"zigpan/internal/aps"
	"zigpan/internal/frame"
	"zigpan/internal/mac"
	"zigpan/internal/radio"
	"zigpan/internal/registry"
	"zigpan/internal/security"
)

var (
	// ErrNetworkError means network formation or resumption failed; the
	// caller may retry with different parameters.
	ErrNetworkError = errors.New("nwk: network formation failed")

	// ErrJoinTimeout means a device did not finish the security handshake
	// inside the join window and its half-joined state was discarded.
	ErrJoinTimeout = errors.New("nwk: join handshake timed out")

	// ErrNotJoined means the addressed device exists but has not completed
	// commissioning, so application traffic cannot reach it.
	ErrNotJoined = errors.New("nwk: device not joined")

	// ErrRotationBusy means a key rotation is already in flight.
	ErrRotationBusy = errors.New("nwk: key rotation in progress")

	// ErrStopped is returned by API calls once the event loop has exited.
	ErrStopped = errors.New("nwk: manager stopped")
)

const (
	defaultJoinTimeout     = 30 * time.Second
	defaultLivenessWindow  = 30 * time.Minute
	defaultDiscoveryWindow = 3 * time.Second
	defaultRotationGrace   = time.Minute

	// handshakeWindow bounds how long association responses and key
	// transports wait for the joining device to poll.
	handshakeWindow = 10 * time.Second

	// indirectWindow is the transaction persistence time for application
	// frames held for a sleeping device.
	indirectWindow = 5 * time.Minute

	// rotationSpacing separates the transport, switch and retire steps of
	// a key rotation so slow devices can keep up.
	rotationSpacing = 5 * time.Second

	// apsAckWait bounds the wait for an end-to-end APS acknowledgement.
	apsAckWait = 5 * time.Second

	defaultRadius  uint8  = 30
	defaultTxPower int16  = 3
	channelMin     uint16 = 11
	channelMax     uint16 = 26

	// coordinatorEndpoint is the source endpoint for outbound commands.
	coordinatorEndpoint uint8 = 1
)

// EventKind names the events the stack surfaces to its consumer.
type EventKind string

const (
	EventJoined          EventKind = "joined"
	EventLeft            EventKind = "left"
	EventStale           EventKind = "stale"
	EventRecovered       EventKind = "recovered"
	EventCommandReceived EventKind = "command_received"
	EventNetworkUp       EventKind = "network_up"
	EventPermitJoin      EventKind = "permit_join"
	EventKeyRotated      EventKind = "key_rotated"
)

// Event is one stack occurrence. Only the fields relevant to the kind
// are set: device events carry the addresses, command_received adds the
// application addressing and payload.
type Event struct {
	Kind  EventKind
	IEEE  frame.IEEEAddr
	Short frame.ShortAddr

	Endpoint uint8
	Profile  uint16
	Cluster  uint16
	Payload  []byte

	Permitted bool
	KeySeq    uint8

	// Network carries the PAN identity on network_up.
	Network *Network
}

// Network is the formed PAN identity.
type Network struct {
	Channel       uint16
	PANID         frame.PANID
	ExtendedPANID frame.IEEEAddr
	Coordinator   frame.IEEEAddr
	UpdateID      uint8
}

// Snapshot is the persistable stack state: network identity, key slots,
// outgoing frame counters, per-device replay floors and the device table.
// Counters are restored with slack added so a value persisted before a
// crash can never repeat on air.
type Snapshot struct {
	Network    Network
	Active     security.KeySlot
	Pending    *security.KeySlot
	NWKCounter uint32
	APSCounter uint32
	Incoming   map[frame.IEEEAddr]uint32
	Devices    []registry.Device
}

// JoinRequest describes a device asking to enter the network.
type JoinRequest struct {
	IEEE         frame.IEEEAddr
	Capabilities frame.CapabilityInfo
	Rejoin       bool
}

// AdmissionPolicy gets the final say on a join while the permit window is
// open. A nil policy admits every device the window lets in.
type AdmissionPolicy interface {
	Admit(req JoinRequest) bool
}

// Command is one application payload addressed to a device endpoint.
// Destinations are resolved by IEEE address when set, otherwise by the
// short address, which may name a mesh destination outside the device
// table.
type Command struct {
	IEEE     frame.IEEEAddr
	Short    frame.ShortAddr
	Endpoint uint8
	Cluster  uint16
	Profile  uint16 // zero means Home Automation
	Payload  []byte

	// AckRequest waits for the end-to-end APS acknowledgement instead of
	// just the next-hop MAC ack.
	AckRequest bool
}

// Config carries the stack parameters. Zero durations select defaults.
type Config struct {
	Channel uint16      // 11..26, zero scans for the quietest channel
	PANID   frame.PANID // zero draws a random identifier
	TxPower int16       // dBm, zero selects the default

	NetworkKey *security.Key // nil generates a random key on formation
	LinkKey    *security.Key // nil uses the well-known trust center key

	JoinTimeout     time.Duration
	LivenessWindow  time.Duration
	DiscoveryWindow time.Duration
	RotationGrace   time.Duration
	RotateInterval  time.Duration // zero rotates only on counter pressure
	FragmentTimeout time.Duration
	MaxPayload      int

	Policy  AdmissionPolicy
	Restore *Snapshot
}

// Manager runs the network layer. Construct with New, bring the radio up
// with Start, then drive everything through Run.
type Manager struct {
	cfg       Config
	base      *slog.Logger
	logger    *slog.Logger
	transport radio.Transport

	engine   *mac.Engine
	aps      *aps.Layer
	registry *registry.Registry
	keys     *security.Manager

	net       Network
	localIEEE frame.IEEEAddr

	permitUntil time.Time
	nwkSeq      uint8
	routeID     uint8

	gens      map[frame.IEEEAddr]uint64
	timers    []timer
	discovery map[frame.ShortAddr]*discovery
	acks      map[ackKey]*ackWait

	rotation     rotationPhase
	lastRotation time.Time

	onEvent func(Event)

	// now is the loop's current tick, stamped at every entry point so
	// callbacks fired deeper in the call tree share one clock reading.
	now time.Time

	ctx    context.Context
	frames chan radio.Frame
	cmds   chan func()
	done   chan struct{}
}

// New builds an idle manager. Start must run before Run.
func New(cfg Config, transport radio.Transport, logger *slog.Logger) *Manager {
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.LivenessWindow == 0 {
		cfg.LivenessWindow = defaultLivenessWindow
	}
	if cfg.DiscoveryWindow == 0 {
		cfg.DiscoveryWindow = defaultDiscoveryWindow
	}
	if cfg.RotationGrace == 0 {
		cfg.RotationGrace = defaultRotationGrace
	}
	if cfg.TxPower == 0 {
		cfg.TxPower = defaultTxPower
	}

	m := &Manager{
		cfg:       cfg,
		base:      logger,
		logger:    logger.With("component", "nwk"),
		transport: transport,
		registry:  registry.New(logger),
		gens:      make(map[frame.IEEEAddr]uint64),
		discovery: make(map[frame.ShortAddr]*discovery),
		acks:      make(map[ackKey]*ackWait),
		nwkSeq:    uint8(rand.UintN(256)),
		now:       time.Now(),
		ctx:       context.Background(),
		frames:    make(chan radio.Frame, 64),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
	}
	m.aps = aps.NewLayer(aps.Config{
		MaxPayload:      cfg.MaxPayload,
		FragmentTimeout: cfg.FragmentTimeout,
	}, logger)
	m.aps.Handle(aps.ClusterDeviceAnnounce, m.handleAnnounce)
	m.aps.HandleDefault(m.handleApplication)
	m.aps.OnAck(m.handleAPSAck)
	return m
}

// OnEvent registers the event sink. It must be set before Run; the
// callback runs on the loop goroutine and must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.onEvent = fn
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// bumpGen invalidates every armed timer referencing the device.
func (m *Manager) bumpGen(ieee frame.IEEEAddr) uint64 {
	m.gens[ieee]++
	return m.gens[ieee]
}

func (m *Manager) permitOpen(now time.Time) bool {
	return now.Before(m.permitUntil)
}

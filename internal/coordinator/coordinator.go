// Package coordinator ties the network stack to its surroundings: it
// restores persisted state into the stack at startup, fans stack events
// out to subscribers, and writes network and device state back to the
// store as they change.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/nwk"
	"zigpan/internal/radio"
	"zigpan/internal/registry"
	"zigpan/internal/security"
	"zigpan/internal/store"
)

// persistInterval bounds how stale the persisted frame counters can get.
// Restored counters advance by the security layer's slack, so everything
// sent since the last save has to stay below that slack.
const persistInterval = time.Minute

// Config holds coordinator configuration.
type Config struct {
	Channel uint16 // 11..26, zero scans for the quietest channel
	PanID   uint16 // zero draws a random identifier
	TxPower int16  // dBm

	// NetworkKey is the hex network key to form with. Empty generates a
	// random key on formation.
	NetworkKey     string
	RotateInterval time.Duration

	JoinTimeout     time.Duration
	LivenessWindow  time.Duration
	FragmentTimeout time.Duration

	// Policy gets the final say on joins while the permit window is
	// open. Nil admits every device the window lets in.
	Policy nwk.AdmissionPolicy
}

// ParseIEEE parses "0x00124b0001020304", "00124b0001020304" or
// "00:12:4b:00:01:02:03:04" into an extended address.
func ParseIEEE(s string) (frame.IEEEAddr, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.ReplaceAll(s, ":", "")), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return frame.IEEEAddr(v), nil
}

func parseKey(s string) (*security.Key, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	var k security.Key
	if len(b) != len(k) {
		return nil, fmt.Errorf("key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return &k, nil
}

// Coordinator runs the network stack on a radio transport and keeps the
// store in sync with it.
type Coordinator struct {
	transport radio.Transport
	store     store.Store
	events    *EventBus
	base      *slog.Logger
	logger    *slog.Logger
	config    Config

	stack *nwk.Manager

	// evCh decouples bus delivery from the stack loop: the stack's event
	// callback must not block, so events are buffered here and fanned out
	// on their own goroutine.
	evCh  chan Event
	dirty chan struct{}

	runErr chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Start forms or resumes the network.
func New(transport radio.Transport, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		transport: transport,
		store:     st,
		events:    events,
		base:      logger,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		evCh:      make(chan Event, 256),
		dirty:     make(chan struct{}, 1),
		runErr:    make(chan error, 1),
	}
}

// Start brings the stack up. A stored network whose parameters still
// match the configuration is resumed with its key material, counters and
// device table; otherwise a fresh PAN is formed. The stored state is
// only advisory: re-forming on a changed configuration generates a new
// network key and orphans every paired device, so mismatches are the
// operator's decision, not a fallback.
func (c *Coordinator) Start(ctx context.Context) error {
	restore, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("load stored network state: %w", err)
	}
	if restore != nil {
		c.logger.Info("stored network state loaded",
			"panID", fmt.Sprintf("0x%04X", uint16(restore.Network.PANID)),
			"channel", restore.Network.Channel,
			"devices", len(restore.Devices))
	}

	netKey, err := parseKey(c.config.NetworkKey)
	if err != nil {
		return fmt.Errorf("network key: %w", err)
	}

	c.stack = nwk.New(nwk.Config{
		Channel:         c.config.Channel,
		PANID:           frame.PANID(c.config.PanID),
		TxPower:         c.config.TxPower,
		NetworkKey:      netKey,
		JoinTimeout:     c.config.JoinTimeout,
		LivenessWindow:  c.config.LivenessWindow,
		RotateInterval:  c.config.RotateInterval,
		FragmentTimeout: c.config.FragmentTimeout,
		Policy:          c.config.Policy,
		Restore:         restore,
	}, c.transport, c.base)
	c.stack.OnEvent(c.handleStackEvent)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.pumpEvents(runCtx)

	if err := c.stack.Start(ctx); err != nil {
		cancel()
		c.wg.Wait()
		return err
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runErr <- c.stack.Run(runCtx)
	}()
	go c.persistLoop(runCtx)

	// Persist right away so a formation followed by an early crash does
	// not roll the network key.
	if err := c.saveSnapshot(ctx); err != nil {
		c.logger.Error("initial state save", "err", err)
	}
	return nil
}

// Done delivers the stack's exit reason: the shutdown cancellation, or
// radio.ErrTransportClosed when the serial link dropped underneath it.
func (c *Coordinator) Done() <-chan error {
	return c.runErr
}

// Stop persists a final snapshot and brings the stack down. The store
// stays open; closing it is the caller's job.
func (c *Coordinator) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.saveSnapshot(ctx); err != nil && !errors.Is(err, nwk.ErrStopped) {
		c.logger.Warn("final state save", "err", err)
	}
	cancel()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// handleStackEvent runs on the stack loop goroutine; it converts and
// buffers, nothing more.
func (c *Coordinator) handleStackEvent(ev nwk.Event) {
	out, persists := convertEvent(ev)
	if out.Type == "" {
		return
	}
	if persists {
		c.markDirty()
	}
	select {
	case c.evCh <- out:
	default:
		c.logger.Warn("event dropped, subscribers too slow", "type", out.Type)
	}
}

// convertEvent maps a stack event onto the bus representation. The
// second result reports whether the event moved persistent state.
func convertEvent(ev nwk.Event) (Event, bool) {
	dev := DeviceEvent{IEEE: ev.IEEE.String(), Short: uint16(ev.Short)}
	switch ev.Kind {
	case nwk.EventNetworkUp:
		n := ev.Network
		return Event{Type: EventNetworkState, Data: NetworkEvent{
			Channel:     n.Channel,
			PanID:       uint16(n.PANID),
			ExtPanID:    n.ExtendedPANID.String(),
			Coordinator: n.Coordinator.String(),
			UpdateID:    n.UpdateID,
		}}, true
	case nwk.EventJoined:
		return Event{Type: EventDeviceJoined, Data: dev}, true
	case nwk.EventLeft:
		return Event{Type: EventDeviceLeft, Data: dev}, true
	case nwk.EventStale:
		return Event{Type: EventDeviceStale, Data: dev}, true
	case nwk.EventRecovered:
		return Event{Type: EventDeviceRecovered, Data: dev}, true
	case nwk.EventCommandReceived:
		return Event{Type: EventCommand, Data: CommandEvent{
			IEEE:     ev.IEEE.String(),
			Short:    uint16(ev.Short),
			Endpoint: ev.Endpoint,
			Profile:  ev.Profile,
			Cluster:  ev.Cluster,
			Payload:  ev.Payload,
		}}, false
	case nwk.EventPermitJoin:
		return Event{Type: EventPermitJoin, Data: PermitJoinEvent{Permitted: ev.Permitted}}, false
	case nwk.EventKeyRotated:
		return Event{Type: EventKeyRotated, Data: KeyRotatedEvent{KeySeq: ev.KeySeq}}, true
	}
	return Event{}, false
}

func (c *Coordinator) pumpEvents(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.evCh:
			c.events.Emit(ev)
		}
	}
}

func (c *Coordinator) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// persistLoop writes the stack snapshot out when state changed and at
// least once per interval, for the frame counters.
func (c *Coordinator) persistLoop(ctx context.Context) {
	defer c.wg.Done()
	tick := time.NewTicker(persistInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty:
		case <-tick.C:
		}
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.saveSnapshot(saveCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, nwk.ErrStopped), errors.Is(err, context.Canceled):
			return
		default:
			c.logger.Error("persist network state", "err", err)
		}
	}
}

// PermitJoin opens the commissioning window for the given duration; zero
// closes it immediately.
func (c *Coordinator) PermitJoin(ctx context.Context, window time.Duration) error {
	return c.stack.PermitJoin(ctx, window)
}

// PermitRemaining reports how long the commissioning window stays open,
// zero when closed.
func (c *Coordinator) PermitRemaining(ctx context.Context) (time.Duration, error) {
	return c.stack.PermitRemaining(ctx)
}

// Devices returns the current device table.
func (c *Coordinator) Devices(ctx context.Context) ([]registry.Device, error) {
	return c.stack.Devices(ctx)
}

// Device returns one device record by extended address.
func (c *Coordinator) Device(ctx context.Context, ieee frame.IEEEAddr) (registry.Device, error) {
	return c.stack.Device(ctx, ieee)
}

// Routes returns the mesh route table.
func (c *Coordinator) Routes(ctx context.Context) ([]registry.RouteEntry, error) {
	return c.stack.Routes(ctx)
}

// SendCommand delivers one application payload to a device endpoint and
// waits for the delivery outcome.
func (c *Coordinator) SendCommand(ctx context.Context, cmd nwk.Command) error {
	return c.stack.Send(ctx, cmd)
}

// RemoveDevice expels a device from the network. The record stays in
// the table marked left, so a later rejoin is recognized.
func (c *Coordinator) RemoveDevice(ctx context.Context, ieee frame.IEEEAddr) error {
	if err := c.stack.RemoveDevice(ctx, ieee); err != nil {
		return err
	}
	c.markDirty()
	return nil
}

// RotateKey starts a network key rotation.
func (c *Coordinator) RotateKey(ctx context.Context) error {
	if err := c.stack.RotateKey(ctx); err != nil {
		return err
	}
	c.markDirty()
	return nil
}

// NetworkInfo returns the formed PAN identity.
func (c *Coordinator) NetworkInfo(ctx context.Context) (nwk.Network, error) {
	return c.stack.Network(ctx)
}

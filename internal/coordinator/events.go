package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceJoined    = "device_joined"
	EventDeviceLeft      = "device_left"
	EventDeviceStale     = "device_stale"
	EventDeviceRecovered = "device_recovered"
	EventCommand         = "command_received"
	EventNetworkState    = "network_state"
	EventPermitJoin      = "permit_join"
	EventKeyRotated      = "key_rotated"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DeviceEvent is the payload of the device lifecycle events.
type DeviceEvent struct {
	IEEE  string `json:"ieee"`
	Short uint16 `json:"short"`
}

// CommandEvent carries an application payload received from a device.
type CommandEvent struct {
	IEEE     string `json:"ieee"`
	Short    uint16 `json:"short"`
	Endpoint uint8  `json:"endpoint"`
	Profile  uint16 `json:"profile"`
	Cluster  uint16 `json:"cluster"`
	Payload  []byte `json:"payload"`
}

// NetworkEvent announces the PAN identity once the stack is on air.
type NetworkEvent struct {
	Channel     uint16 `json:"channel"`
	PanID       uint16 `json:"pan_id"`
	ExtPanID    string `json:"ext_pan_id"`
	Coordinator string `json:"coordinator"`
	UpdateID    uint8  `json:"update_id"`
}

// PermitJoinEvent reports the commissioning window opening or closing.
type PermitJoinEvent struct {
	Permitted bool `json:"permitted"`
}

// KeyRotatedEvent reports that the network switched to a new key.
type KeyRotatedEvent struct {
	KeySeq uint8 `json:"key_seq"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

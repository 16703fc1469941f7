package registry

import (
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/security"
)

// JoinState tracks a device through its commissioning lifecycle. Unknown is
// the zero value and is never persisted; a device record exists only once an
// association request has been accepted.
type JoinState int

const (
	StateUnknown JoinState = iota
	StateAssociationRequested
	StateSecurityHandshake
	StateAuthenticated
	StateActive
	StateStale
	StateLeft
)

var stateNames = map[JoinState]string{
	StateUnknown:              "unknown",
	StateAssociationRequested: "association_requested",
	StateSecurityHandshake:    "security_handshake",
	StateAuthenticated:        "authenticated",
	StateActive:               "active",
	StateStale:                "stale",
	StateLeft:                 "left",
}

func (s JoinState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseJoinState maps a state name back to its value, for records loaded
// from storage.
func ParseJoinState(name string) (JoinState, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateUnknown, false
}

// Joined reports whether the device has completed the security handshake
// and holds the network key.
func (s JoinState) Joined() bool {
	return s == StateAuthenticated || s == StateActive || s == StateStale
}

// DeviceType distinguishes routers (full-function devices) from end devices.
type DeviceType int

const (
	TypeEndDevice DeviceType = iota
	TypeRouter
)

func (t DeviceType) String() string {
	if t == TypeRouter {
		return "router"
	}
	return "end_device"
}

// Device is one remote node on the PAN. The IEEE address is the immutable
// identity; the short address is network-assigned and released back to the
// pool when the device leaves.
type Device struct {
	IEEE         frame.IEEEAddr
	Short        frame.ShortAddr
	Type         DeviceType
	Capabilities frame.CapabilityInfo

	State JoinState

	// LinkKey is the per-device link key, nil when the device joined under
	// the global key.
	LinkKey *security.Key

	JoinedAt time.Time
	LastSeen time.Time
}

// Sleepy reports whether the device turns its receiver off between polls.
// Traffic to a sleepy device is held for a MAC data request instead of
// being sent directly.
func (d *Device) Sleepy() bool {
	return !d.Capabilities.RxOnWhenIdle
}

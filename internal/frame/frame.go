// Package frame implements the binary codecs for the three protocol layers
// carried over the radio link: IEEE 802.15.4 MAC frames, Zigbee NWK frames
// and APS frames, plus the auxiliary security header shared by the NWK and
// APS layers. Codecs are pure layout: no crypto, no state. All multi-byte
// fields are little-endian on the wire.
package frame

import (
	"errors"
	"fmt"
)

// Decode errors. Every decode failure wraps one of these so callers can
// classify with errors.Is; a failed decode rejects the single frame and is
// never fatal to the stack.
var (
	ErrTruncated   = errors.New("frame: truncated")
	ErrMalformed   = errors.New("frame: malformed")
	ErrUnsupported = errors.New("frame: unsupported frame type")
)

// MaxMACFrameSize is the largest MAC frame the radio accepts, in bytes.
// aMaxPHYPacketSize is 127; the bridge appends the 2-byte FCS itself.
const MaxMACFrameSize = 125

// PANID identifies a personal area network.
type PANID uint16

// BroadcastPANID matches any PAN and is used as the source PAN during
// association, before the device has joined.
const BroadcastPANID PANID = 0xFFFF

func (p PANID) String() string { return fmt.Sprintf("0x%04x", uint16(p)) }

// ShortAddr is a 16-bit network-assigned address.
type ShortAddr uint16

const (
	// CoordinatorAddr is the coordinator's fixed short address.
	CoordinatorAddr ShortAddr = 0x0000
	// ShortNone marks a device without an assigned short address.
	ShortNone ShortAddr = 0xFFFE
	// BroadcastAll addresses every device on the PAN.
	BroadcastAll ShortAddr = 0xFFFF
	// BroadcastRxOn addresses all devices with their receiver on when idle.
	BroadcastRxOn ShortAddr = 0xFFFD
	// BroadcastRouters addresses all routers and the coordinator.
	BroadcastRouters ShortAddr = 0xFFFC
)

// IsBroadcast reports whether the address is in the reserved broadcast range.
func (a ShortAddr) IsBroadcast() bool { return a >= 0xFFF8 }

func (a ShortAddr) String() string { return fmt.Sprintf("0x%04x", uint16(a)) }

// IEEEAddr is a 64-bit globally unique device address (EUI-64).
type IEEEAddr uint64

func (a IEEEAddr) String() string { return fmt.Sprintf("0x%016x", uint64(a)) }

// putUint16/putUint64 append little-endian values; the codecs build frames
// by appending to a byte slice so header layouts read top to bottom.
func putUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func putUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func putUint64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

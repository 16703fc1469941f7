package aps

import (
	"encoding/binary"
	"fmt"

	"zigpan/internal/frame"
)

// ZDO addressing used by the device announce broadcast.
const (
	ProfileZDO            uint16 = 0x0000
	ClusterDeviceAnnounce uint16 = 0x0013
	EndpointZDO           uint8  = 0
)

// ProfileHomeAutomation is the default application profile for commands
// that do not name one.
const ProfileHomeAutomation uint16 = 0x0104

// DeviceAnnounce is the ZDO broadcast a device sends after it joins or
// rejoins, binding its short address to its IEEE address.
type DeviceAnnounce struct {
	Seq        uint8
	Short      frame.ShortAddr
	IEEE       frame.IEEEAddr
	Capability frame.CapabilityInfo
}

// ParseDeviceAnnounce decodes the 12 byte announce payload.
func ParseDeviceAnnounce(payload []byte) (*DeviceAnnounce, error) {
	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: device announce needs 12 bytes, have %d",
			frame.ErrTruncated, len(payload))
	}
	return &DeviceAnnounce{
		Seq:        payload[0],
		Short:      frame.ShortAddr(binary.LittleEndian.Uint16(payload[1:])),
		IEEE:       frame.IEEEAddr(binary.LittleEndian.Uint64(payload[3:])),
		Capability: frame.CapabilityFromByte(payload[11]),
	}, nil
}

// Encode serializes the announce payload.
func (a *DeviceAnnounce) Encode() []byte {
	out := make([]byte, 12)
	out[0] = a.Seq
	binary.LittleEndian.PutUint16(out[1:], uint16(a.Short))
	binary.LittleEndian.PutUint64(out[3:], uint64(a.IEEE))
	out[11] = a.Capability.Byte()
	return out
}

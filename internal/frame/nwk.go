package frame

import "fmt"

// NWKType is the network-layer frame type.
type NWKType uint8

const (
	NWKData    NWKType = 0
	NWKCommand NWKType = 1
)

// NWKProtocolVersion is the only network protocol version we speak.
const NWKProtocolVersion = 2

// Route discovery values for the NWK frame control field.
const (
	DiscoverRouteSuppress = 0
	DiscoverRouteEnable   = 1
)

// SourceRoute is the relay list subframe of a source-routed frame. Relays
// are listed from the node closest to the destination back towards the
// sender; RelayIndex points at the next hop to consume.
type SourceRoute struct {
	RelayIndex uint8
	Relays     []ShortAddr
}

// NWKFrame is a parsed network-layer header plus its raw payload. When
// Security is set the payload still carries the auxiliary security header
// and ciphertext; decryption happens a layer up.
type NWKFrame struct {
	Type          NWKType
	Version       uint8
	DiscoverRoute uint8
	Security      bool

	Dest   ShortAddr
	Src    ShortAddr
	Radius uint8
	Seq    uint8

	HasDestIEEE bool
	DestIEEE    IEEEAddr
	HasSrcIEEE  bool
	SrcIEEE     IEEEAddr
	SourceRoute *SourceRoute

	Payload []byte
}

// NWK frame control bit positions.
const (
	nwkFCType          = 0 // bits 0..1
	nwkFCVersion       = 2 // bits 2..5
	nwkFCDiscoverRoute = 6 // bits 6..7
	nwkFCMulticast     = 8
	nwkFCSecurity      = 9
	nwkFCSourceRoute   = 10
	nwkFCDestIEEE      = 11
	nwkFCSrcIEEE       = 12
)

// EncodeNWK serializes a network-layer frame, payload included.
func EncodeNWK(f *NWKFrame) ([]byte, error) {
	if f.Version > 0x0F {
		return nil, fmt.Errorf("%w: nwk protocol version %d", ErrMalformed, f.Version)
	}
	if f.DiscoverRoute > 3 {
		return nil, fmt.Errorf("%w: discover route value %d", ErrMalformed, f.DiscoverRoute)
	}
	fc := uint16(f.Type)<<nwkFCType |
		uint16(f.Version)<<nwkFCVersion |
		uint16(f.DiscoverRoute)<<nwkFCDiscoverRoute
	if f.Security {
		fc |= 1 << nwkFCSecurity
	}
	if f.SourceRoute != nil {
		fc |= 1 << nwkFCSourceRoute
	}
	if f.HasDestIEEE {
		fc |= 1 << nwkFCDestIEEE
	}
	if f.HasSrcIEEE {
		fc |= 1 << nwkFCSrcIEEE
	}

	out := make([]byte, 0, 24+len(f.Payload))
	out = putUint16(out, fc)
	out = putUint16(out, uint16(f.Dest))
	out = putUint16(out, uint16(f.Src))
	out = append(out, f.Radius, f.Seq)
	if f.HasDestIEEE {
		out = putUint64(out, uint64(f.DestIEEE))
	}
	if f.HasSrcIEEE {
		out = putUint64(out, uint64(f.SrcIEEE))
	}
	if sr := f.SourceRoute; sr != nil {
		if len(sr.Relays) == 0 || len(sr.Relays) > 0xFF {
			return nil, fmt.Errorf("%w: source route with %d relays", ErrMalformed, len(sr.Relays))
		}
		if int(sr.RelayIndex) >= len(sr.Relays) {
			return nil, fmt.Errorf("%w: relay index %d out of %d relays", ErrMalformed, sr.RelayIndex, len(sr.Relays))
		}
		out = append(out, uint8(len(sr.Relays)), sr.RelayIndex)
		for _, r := range sr.Relays {
			out = putUint16(out, uint16(r))
		}
	}
	return append(out, f.Payload...), nil
}

// DecodeNWK parses a network-layer frame. headerLen is the number of bytes
// the header occupies in data; the security layer needs it to reconstruct
// the authenticated header when the frame is encrypted.
func DecodeNWK(data []byte) (f *NWKFrame, headerLen int, err error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: nwk header needs 8 bytes, have %d", ErrTruncated, len(data))
	}
	fc := getUint16(data)
	f = &NWKFrame{
		Type:          NWKType(fc >> nwkFCType & 0x3),
		Version:       uint8(fc >> nwkFCVersion & 0x0F),
		DiscoverRoute: uint8(fc >> nwkFCDiscoverRoute & 0x3),
		Security:      fc&(1<<nwkFCSecurity) != 0,
		Dest:          ShortAddr(getUint16(data[2:])),
		Src:           ShortAddr(getUint16(data[4:])),
		Radius:        data[6],
		Seq:           data[7],
	}
	if f.Type > NWKCommand {
		return nil, 0, fmt.Errorf("%w: nwk frame type %d", ErrUnsupported, f.Type)
	}
	if fc&(1<<nwkFCMulticast) != 0 {
		return nil, 0, fmt.Errorf("%w: nwk multicast", ErrUnsupported)
	}
	pos := 8
	if fc&(1<<nwkFCDestIEEE) != 0 {
		if len(data) < pos+8 {
			return nil, 0, fmt.Errorf("%w: destination ieee address", ErrTruncated)
		}
		f.HasDestIEEE = true
		f.DestIEEE = IEEEAddr(getUint64(data[pos:]))
		pos += 8
	}
	if fc&(1<<nwkFCSrcIEEE) != 0 {
		if len(data) < pos+8 {
			return nil, 0, fmt.Errorf("%w: source ieee address", ErrTruncated)
		}
		f.HasSrcIEEE = true
		f.SrcIEEE = IEEEAddr(getUint64(data[pos:]))
		pos += 8
	}
	if fc&(1<<nwkFCSourceRoute) != 0 {
		if len(data) < pos+2 {
			return nil, 0, fmt.Errorf("%w: source route subframe", ErrTruncated)
		}
		count, index := int(data[pos]), data[pos+1]
		pos += 2
		if count == 0 {
			return nil, 0, fmt.Errorf("%w: empty source route", ErrMalformed)
		}
		if int(index) >= count {
			return nil, 0, fmt.Errorf("%w: relay index %d out of %d relays", ErrMalformed, index, count)
		}
		if len(data) < pos+2*count {
			return nil, 0, fmt.Errorf("%w: source route needs %d relay bytes, have %d", ErrTruncated, 2*count, len(data)-pos)
		}
		sr := &SourceRoute{RelayIndex: index, Relays: make([]ShortAddr, count)}
		for i := range sr.Relays {
			sr.Relays[i] = ShortAddr(getUint16(data[pos:]))
			pos += 2
		}
		f.SourceRoute = sr
	}
	if len(data) > pos {
		f.Payload = append([]byte(nil), data[pos:]...)
	}
	return f, pos, nil
}

// NWKCmdID identifies a network-layer command.
type NWKCmdID uint8

const (
	NWKCmdRouteRequest   NWKCmdID = 0x01
	NWKCmdRouteReply     NWKCmdID = 0x02
	NWKCmdNetworkStatus  NWKCmdID = 0x03
	NWKCmdLeave          NWKCmdID = 0x04
	NWKCmdRejoinRequest  NWKCmdID = 0x06
	NWKCmdRejoinResponse NWKCmdID = 0x07
)

// Network status codes we act on (Zigbee spec table 3-56).
const (
	NWKStatusNoRouteAvailable uint8 = 0x00
	NWKStatusLinkFailure      uint8 = 0x02
	NWKStatusSourceRouteFail  uint8 = 0x0B
	NWKStatusAddressConflict  uint8 = 0x0D
)

// RouteRequest floods the network looking for a path to Dest. PathCost
// accumulates per hop.
type RouteRequest struct {
	RouteID  uint8
	Dest     ShortAddr
	PathCost uint8
}

// RouteReply travels back along the discovered path.
type RouteReply struct {
	RouteID    uint8
	Originator ShortAddr
	Responder  ShortAddr
	PathCost   uint8
}

// NetworkStatus reports a delivery or routing problem for Dest.
type NetworkStatus struct {
	Status uint8
	Dest   ShortAddr
}

// Leave announces or requests departure from the network.
type Leave struct {
	Rejoin         bool
	Request        bool
	RemoveChildren bool
}

// RejoinRequest asks to re-enter the network keeping the device's history.
type RejoinRequest struct {
	Capability CapabilityInfo
}

// RejoinResponse assigns the rejoining device its short address. Status
// uses the association status values.
type RejoinResponse struct {
	Short  ShortAddr
	Status AssocStatus
}

// NWKCmd is a decoded network-layer command; the pointer matching ID is set.
type NWKCmd struct {
	ID             NWKCmdID
	RouteRequest   *RouteRequest
	RouteReply     *RouteReply
	NetworkStatus  *NetworkStatus
	Leave          *Leave
	RejoinRequest  *RejoinRequest
	RejoinResponse *RejoinResponse
}

// EncodeNWKCmd serializes a network command into the (plaintext) payload of
// an NWKCommand frame.
func EncodeNWKCmd(c *NWKCmd) ([]byte, error) {
	out := make([]byte, 0, 8)
	out = append(out, byte(c.ID))
	switch c.ID {
	case NWKCmdRouteRequest:
		if c.RouteRequest == nil {
			return nil, fmt.Errorf("%w: route request without body", ErrMalformed)
		}
		out = append(out, 0x00, c.RouteRequest.RouteID)
		out = putUint16(out, uint16(c.RouteRequest.Dest))
		out = append(out, c.RouteRequest.PathCost)
	case NWKCmdRouteReply:
		if c.RouteReply == nil {
			return nil, fmt.Errorf("%w: route reply without body", ErrMalformed)
		}
		out = append(out, 0x00, c.RouteReply.RouteID)
		out = putUint16(out, uint16(c.RouteReply.Originator))
		out = putUint16(out, uint16(c.RouteReply.Responder))
		out = append(out, c.RouteReply.PathCost)
	case NWKCmdNetworkStatus:
		if c.NetworkStatus == nil {
			return nil, fmt.Errorf("%w: network status without body", ErrMalformed)
		}
		out = append(out, c.NetworkStatus.Status)
		out = putUint16(out, uint16(c.NetworkStatus.Dest))
	case NWKCmdLeave:
		if c.Leave == nil {
			return nil, fmt.Errorf("%w: leave without body", ErrMalformed)
		}
		var opts uint8
		if c.Leave.Rejoin {
			opts |= 1 << 5
		}
		if c.Leave.Request {
			opts |= 1 << 6
		}
		if c.Leave.RemoveChildren {
			opts |= 1 << 7
		}
		out = append(out, opts)
	case NWKCmdRejoinRequest:
		if c.RejoinRequest == nil {
			return nil, fmt.Errorf("%w: rejoin request without body", ErrMalformed)
		}
		out = append(out, c.RejoinRequest.Capability.Byte())
	case NWKCmdRejoinResponse:
		if c.RejoinResponse == nil {
			return nil, fmt.Errorf("%w: rejoin response without body", ErrMalformed)
		}
		out = putUint16(out, uint16(c.RejoinResponse.Short))
		out = append(out, byte(c.RejoinResponse.Status))
	default:
		return nil, fmt.Errorf("%w: nwk command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return out, nil
}

// DecodeNWKCmd parses the plaintext payload of an NWKCommand frame.
func DecodeNWKCmd(data []byte) (*NWKCmd, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty nwk command", ErrTruncated)
	}
	c := &NWKCmd{ID: NWKCmdID(data[0])}
	body := data[1:]
	switch c.ID {
	case NWKCmdRouteRequest:
		if len(body) < 5 {
			return nil, fmt.Errorf("%w: route request needs 5 bytes, have %d", ErrTruncated, len(body))
		}
		if body[0]&(1<<6) != 0 {
			return nil, fmt.Errorf("%w: multicast route request", ErrUnsupported)
		}
		c.RouteRequest = &RouteRequest{
			RouteID:  body[1],
			Dest:     ShortAddr(getUint16(body[2:])),
			PathCost: body[4],
		}
	case NWKCmdRouteReply:
		if len(body) < 7 {
			return nil, fmt.Errorf("%w: route reply needs 7 bytes, have %d", ErrTruncated, len(body))
		}
		c.RouteReply = &RouteReply{
			RouteID:    body[1],
			Originator: ShortAddr(getUint16(body[2:])),
			Responder:  ShortAddr(getUint16(body[4:])),
			PathCost:   body[6],
		}
	case NWKCmdNetworkStatus:
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: network status needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		c.NetworkStatus = &NetworkStatus{Status: body[0], Dest: ShortAddr(getUint16(body[1:]))}
	case NWKCmdLeave:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: leave options", ErrTruncated)
		}
		c.Leave = &Leave{
			Rejoin:         body[0]&(1<<5) != 0,
			Request:        body[0]&(1<<6) != 0,
			RemoveChildren: body[0]&(1<<7) != 0,
		}
	case NWKCmdRejoinRequest:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: rejoin request capability", ErrTruncated)
		}
		c.RejoinRequest = &RejoinRequest{Capability: CapabilityFromByte(body[0])}
	case NWKCmdRejoinResponse:
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: rejoin response needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		c.RejoinResponse = &RejoinResponse{
			Short:  ShortAddr(getUint16(body)),
			Status: AssocStatus(body[2]),
		}
	default:
		return nil, fmt.Errorf("%w: nwk command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return c, nil
}

// BeaconPayload is the Zigbee-specific payload carried in coordinator and
// router beacons.
type BeaconPayload struct {
	StackProfile      uint8
	ProtocolVersion   uint8
	RouterCapacity    bool
	DeviceDepth       uint8
	EndDeviceCapacity bool
	ExtendedPANID     IEEEAddr
	TxOffset          uint32 // 24 bits on the wire
	UpdateID          uint8
}

const beaconPayloadLen = 15

// EncodeBeaconPayload serializes the Zigbee beacon payload.
func EncodeBeaconPayload(p *BeaconPayload) []byte {
	out := make([]byte, 0, beaconPayloadLen)
	out = append(out, 0x00) // protocol id: Zigbee
	out = append(out, p.StackProfile&0x0F|p.ProtocolVersion<<4)
	b := (p.DeviceDepth & 0x0F) << 3
	if p.RouterCapacity {
		b |= 1 << 2
	}
	if p.EndDeviceCapacity {
		b |= 1 << 7
	}
	out = append(out, b)
	out = putUint64(out, uint64(p.ExtendedPANID))
	out = append(out, byte(p.TxOffset), byte(p.TxOffset>>8), byte(p.TxOffset>>16))
	return append(out, p.UpdateID)
}

// DecodeBeaconPayload parses the Zigbee beacon payload.
func DecodeBeaconPayload(data []byte) (*BeaconPayload, error) {
	if len(data) < beaconPayloadLen {
		return nil, fmt.Errorf("%w: beacon payload needs %d bytes, have %d", ErrTruncated, beaconPayloadLen, len(data))
	}
	if data[0] != 0x00 {
		return nil, fmt.Errorf("%w: beacon protocol id 0x%02x", ErrUnsupported, data[0])
	}
	return &BeaconPayload{
		StackProfile:      data[1] & 0x0F,
		ProtocolVersion:   data[1] >> 4,
		RouterCapacity:    data[2]&(1<<2) != 0,
		DeviceDepth:       data[2] >> 3 & 0x0F,
		EndDeviceCapacity: data[2]&(1<<7) != 0,
		ExtendedPANID:     IEEEAddr(getUint64(data[3:])),
		TxOffset:          uint32(data[11]) | uint32(data[12])<<8 | uint32(data[13])<<16,
		UpdateID:          data[14],
	}, nil
}

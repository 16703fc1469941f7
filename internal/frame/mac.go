package frame

import "fmt"

// MACType is the 802.15.4 frame type carried in the frame control field.
type MACType uint8

const (
	MACBeacon  MACType = 0
	MACData    MACType = 1
	MACAck     MACType = 2
	MACCommand MACType = 3
)

// AddrMode selects how a MAC address field is encoded.
type AddrMode uint8

const (
	AddrModeNone     AddrMode = 0
	AddrModeShort    AddrMode = 2
	AddrModeExtended AddrMode = 3
)

// MACAddr is an address slot in a MAC header: absent, short or extended.
type MACAddr struct {
	Mode     AddrMode
	Short    ShortAddr
	Extended IEEEAddr
}

// ShortMACAddr returns a short-mode MAC address.
func ShortMACAddr(a ShortAddr) MACAddr { return MACAddr{Mode: AddrModeShort, Short: a} }

// ExtendedMACAddr returns an extended-mode MAC address.
func ExtendedMACAddr(a IEEEAddr) MACAddr { return MACAddr{Mode: AddrModeExtended, Extended: a} }

func (a MACAddr) String() string {
	switch a.Mode {
	case AddrModeShort:
		return a.Short.String()
	case AddrModeExtended:
		return a.Extended.String()
	default:
		return "none"
	}
}

// MACFrame is a parsed 802.15.4 frame without the FCS (the radio bridge
// strips it on receive and appends it on transmit).
//
// Exactly one of Beacon, Command or Payload is populated depending on Type;
// Ack frames carry none of them.
type MACFrame struct {
	Type          MACType
	FramePending  bool
	AckRequest    bool
	Version       uint8
	SeqSuppressed bool
	Seq           uint8

	DestPAN PANID
	Dest    MACAddr
	SrcPAN  PANID
	Src     MACAddr

	Beacon  *Beacon
	Command *MACCmd
	Payload []byte
}

// Beacon is the payload of a MACBeacon frame. GTS and pending-address lists
// are always empty on this network.
type Beacon struct {
	BeaconOrder       uint8
	SuperframeOrder   uint8
	FinalCAPSlot      uint8
	BatteryLifeExt    bool
	PANCoordinator    bool
	AssociationPermit bool
	Payload           []byte
}

// MACCmdID identifies a MAC command frame.
type MACCmdID uint8

const (
	CmdAssociationRequest  MACCmdID = 0x01
	CmdAssociationResponse MACCmdID = 0x02
	CmdDataRequest         MACCmdID = 0x04
	CmdBeaconRequest       MACCmdID = 0x07
)

// MACCmd is the payload of a MACCommand frame. The pointer matching ID is
// set; DataRequest and BeaconRequest carry no payload.
type MACCmd struct {
	ID                  MACCmdID
	AssociationRequest  *CapabilityInfo
	AssociationResponse *AssociationResponse
}

// CapabilityInfo is the capability information field of an association
// request (802.15.4-2015 7.5.2).
type CapabilityInfo struct {
	FullFunction    bool // router-capable (FFD) rather than end device
	ACPower         bool
	RxOnWhenIdle    bool
	FastAssociation bool
	SecurityCapable bool
	AllocateAddress bool
}

// Byte packs the capability information into its wire form.
func (c CapabilityInfo) Byte() uint8 {
	var b uint8
	if c.FullFunction {
		b |= 1 << 1
	}
	if c.ACPower {
		b |= 1 << 2
	}
	if c.RxOnWhenIdle {
		b |= 1 << 3
	}
	if c.FastAssociation {
		b |= 1 << 4
	}
	if c.SecurityCapable {
		b |= 1 << 6
	}
	if c.AllocateAddress {
		b |= 1 << 7
	}
	return b
}

// CapabilityFromByte unpacks a capability information byte.
func CapabilityFromByte(b uint8) CapabilityInfo {
	return CapabilityInfo{
		FullFunction:    b&(1<<1) != 0,
		ACPower:         b&(1<<2) != 0,
		RxOnWhenIdle:    b&(1<<3) != 0,
		FastAssociation: b&(1<<4) != 0,
		SecurityCapable: b&(1<<6) != 0,
		AllocateAddress: b&(1<<7) != 0,
	}
}

// AssocStatus is the status field of an association response
// (802.15.4-2015 table 7-50).
type AssocStatus uint8

const (
	AssocSuccess       AssocStatus = 0x00
	AssocPANAtCapacity AssocStatus = 0x01
	AssocAccessDenied  AssocStatus = 0x02
	AssocFastSuccess   AssocStatus = 0x80
)

// AssociationResponse assigns (or refuses) a short address to a device.
type AssociationResponse struct {
	Short  ShortAddr
	Status AssocStatus
}

// MAC frame control bit positions.
const (
	macFCType        = 0  // bits 0..2
	macFCSecurity    = 3
	macFCPending     = 4
	macFCAckRequest  = 5
	macFCPANCompress = 6
	macFCSeqSuppress = 8
	macFCIEPresent   = 9
	macFCDestMode    = 10 // bits 10..11
	macFCVersion     = 12 // bits 12..13
	macFCSrcMode     = 14 // bits 14..15
)

// EncodeMAC serializes a MAC frame. It fails with ErrMalformed when field
// constraints are violated or the result would exceed MaxMACFrameSize.
func EncodeMAC(f *MACFrame) ([]byte, error) {
	compress := f.Dest.Mode != AddrModeNone && f.Src.Mode != AddrModeNone && f.DestPAN == f.SrcPAN

	fc := uint16(f.Type) << macFCType
	if f.FramePending {
		fc |= 1 << macFCPending
	}
	if f.AckRequest {
		fc |= 1 << macFCAckRequest
	}
	if compress {
		fc |= 1 << macFCPANCompress
	}
	if f.SeqSuppressed {
		fc |= 1 << macFCSeqSuppress
	}
	if f.Version > 3 {
		return nil, fmt.Errorf("%w: mac frame version %d", ErrMalformed, f.Version)
	}
	fc |= uint16(f.Version) << macFCVersion
	fc |= uint16(f.Dest.Mode) << macFCDestMode
	fc |= uint16(f.Src.Mode) << macFCSrcMode

	// fc(2) seq(1) dest pan(2) dest(2|8) src pan(2) src(2|8) content
	out := make([]byte, 0, 32+len(f.Payload))
	out = putUint16(out, fc)
	if !f.SeqSuppressed {
		out = append(out, f.Seq)
	}
	if f.Dest.Mode != AddrModeNone {
		out = putUint16(out, uint16(f.DestPAN))
		var err error
		out, err = putMACAddr(out, f.Dest)
		if err != nil {
			return nil, err
		}
	}
	if f.Src.Mode != AddrModeNone {
		if !compress {
			out = putUint16(out, uint16(f.SrcPAN))
		}
		var err error
		out, err = putMACAddr(out, f.Src)
		if err != nil {
			return nil, err
		}
	}

	switch f.Type {
	case MACBeacon:
		if f.Beacon == nil {
			return nil, fmt.Errorf("%w: beacon frame without beacon fields", ErrMalformed)
		}
		out = encodeBeacon(out, f.Beacon)
	case MACData:
		out = append(out, f.Payload...)
	case MACAck:
		if len(f.Payload) != 0 || f.Beacon != nil || f.Command != nil {
			return nil, fmt.Errorf("%w: ack frame carries no content", ErrMalformed)
		}
	case MACCommand:
		if f.Command == nil {
			return nil, fmt.Errorf("%w: command frame without command", ErrMalformed)
		}
		var err error
		out, err = encodeMACCmd(out, f.Command)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: mac frame type %d", ErrUnsupported, f.Type)
	}

	if len(out) > MaxMACFrameSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, max %d", ErrMalformed, len(out), MaxMACFrameSize)
	}
	return out, nil
}

func putMACAddr(out []byte, a MACAddr) ([]byte, error) {
	switch a.Mode {
	case AddrModeShort:
		return putUint16(out, uint16(a.Short)), nil
	case AddrModeExtended:
		return putUint64(out, uint64(a.Extended)), nil
	default:
		return nil, fmt.Errorf("%w: addressing mode %d", ErrMalformed, a.Mode)
	}
}

func encodeBeacon(out []byte, b *Beacon) []byte {
	// superframe spec: beacon order 0..3, superframe order 4..7,
	// final CAP slot 8..11, BLE 12, PAN coordinator 14, assoc permit 15
	spec := uint16(b.BeaconOrder&0x0F) |
		uint16(b.SuperframeOrder&0x0F)<<4 |
		uint16(b.FinalCAPSlot&0x0F)<<8
	if b.BatteryLifeExt {
		spec |= 1 << 12
	}
	if b.PANCoordinator {
		spec |= 1 << 14
	}
	if b.AssociationPermit {
		spec |= 1 << 15
	}
	out = putUint16(out, spec)
	out = append(out, 0x00, 0x00) // empty GTS and pending-address lists
	return append(out, b.Payload...)
}

func encodeMACCmd(out []byte, c *MACCmd) ([]byte, error) {
	out = append(out, byte(c.ID))
	switch c.ID {
	case CmdAssociationRequest:
		if c.AssociationRequest == nil {
			return nil, fmt.Errorf("%w: association request without capability", ErrMalformed)
		}
		out = append(out, c.AssociationRequest.Byte())
	case CmdAssociationResponse:
		if c.AssociationResponse == nil {
			return nil, fmt.Errorf("%w: association response without body", ErrMalformed)
		}
		out = putUint16(out, uint16(c.AssociationResponse.Short))
		out = append(out, byte(c.AssociationResponse.Status))
	case CmdDataRequest, CmdBeaconRequest:
	default:
		return nil, fmt.Errorf("%w: mac command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return out, nil
}

// DecodeMAC parses a MAC frame (without FCS). Errors wrap ErrTruncated,
// ErrMalformed or ErrUnsupported and reject only the offending frame.
func DecodeMAC(data []byte) (*MACFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: mac header needs 2 bytes, have %d", ErrTruncated, len(data))
	}
	fc := getUint16(data)
	pos := 2

	f := &MACFrame{
		Type:          MACType(fc & 0x7),
		FramePending:  fc&(1<<macFCPending) != 0,
		AckRequest:    fc&(1<<macFCAckRequest) != 0,
		Version:       uint8(fc>>macFCVersion) & 0x3,
		SeqSuppressed: fc&(1<<macFCSeqSuppress) != 0,
	}
	if fc&(1<<macFCSecurity) != 0 {
		return nil, fmt.Errorf("%w: mac-level security", ErrUnsupported)
	}
	if fc&(1<<macFCIEPresent) != 0 {
		return nil, fmt.Errorf("%w: header IEs", ErrUnsupported)
	}
	compress := fc&(1<<macFCPANCompress) != 0
	destMode := AddrMode(fc >> macFCDestMode & 0x3)
	srcMode := AddrMode(fc >> macFCSrcMode & 0x3)
	if destMode == 1 || srcMode == 1 {
		return nil, fmt.Errorf("%w: reserved addressing mode", ErrMalformed)
	}

	if !f.SeqSuppressed {
		if len(data) < pos+1 {
			return nil, fmt.Errorf("%w: missing sequence number", ErrTruncated)
		}
		f.Seq = data[pos]
		pos++
	}

	var err error
	if destMode != AddrModeNone {
		if len(data) < pos+2 {
			return nil, fmt.Errorf("%w: missing destination pan", ErrTruncated)
		}
		f.DestPAN = PANID(getUint16(data[pos:]))
		pos += 2
		f.Dest, pos, err = getMACAddr(data, pos, destMode)
		if err != nil {
			return nil, err
		}
	}
	if srcMode != AddrModeNone {
		if compress {
			if destMode == AddrModeNone {
				return nil, fmt.Errorf("%w: pan compression without destination", ErrMalformed)
			}
			f.SrcPAN = f.DestPAN
		} else {
			if len(data) < pos+2 {
				return nil, fmt.Errorf("%w: missing source pan", ErrTruncated)
			}
			f.SrcPAN = PANID(getUint16(data[pos:]))
			pos += 2
		}
		f.Src, pos, err = getMACAddr(data, pos, srcMode)
		if err != nil {
			return nil, err
		}
	}

	content := data[pos:]
	switch f.Type {
	case MACBeacon:
		f.Beacon, err = decodeBeacon(content)
		if err != nil {
			return nil, err
		}
	case MACData:
		if len(content) > 0 {
			f.Payload = append([]byte(nil), content...)
		}
	case MACAck:
		if len(content) != 0 {
			return nil, fmt.Errorf("%w: ack frame with %d payload bytes", ErrMalformed, len(content))
		}
	case MACCommand:
		f.Command, err = decodeMACCmd(content)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: mac frame type %d", ErrUnsupported, f.Type)
	}
	return f, nil
}

func getMACAddr(data []byte, pos int, mode AddrMode) (MACAddr, int, error) {
	switch mode {
	case AddrModeShort:
		if len(data) < pos+2 {
			return MACAddr{}, 0, fmt.Errorf("%w: short address", ErrTruncated)
		}
		return ShortMACAddr(ShortAddr(getUint16(data[pos:]))), pos + 2, nil
	case AddrModeExtended:
		if len(data) < pos+8 {
			return MACAddr{}, 0, fmt.Errorf("%w: extended address", ErrTruncated)
		}
		return ExtendedMACAddr(IEEEAddr(getUint64(data[pos:]))), pos + 8, nil
	}
	return MACAddr{}, 0, fmt.Errorf("%w: addressing mode %d", ErrMalformed, mode)
}

func decodeBeacon(data []byte) (*Beacon, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: beacon needs 4 bytes, have %d", ErrTruncated, len(data))
	}
	spec := getUint16(data)
	b := &Beacon{
		BeaconOrder:       uint8(spec & 0x0F),
		SuperframeOrder:   uint8(spec >> 4 & 0x0F),
		FinalCAPSlot:      uint8(spec >> 8 & 0x0F),
		BatteryLifeExt:    spec&(1<<12) != 0,
		PANCoordinator:    spec&(1<<14) != 0,
		AssociationPermit: spec&(1<<15) != 0,
	}
	if data[2]&0x07 != 0 {
		return nil, fmt.Errorf("%w: beacon GTS list", ErrUnsupported)
	}
	if data[3]&0x77 != 0 {
		return nil, fmt.Errorf("%w: beacon pending-address list", ErrUnsupported)
	}
	if len(data) > 4 {
		b.Payload = append([]byte(nil), data[4:]...)
	}
	return b, nil
}

func decodeMACCmd(data []byte) (*MACCmd, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty mac command", ErrTruncated)
	}
	c := &MACCmd{ID: MACCmdID(data[0])}
	body := data[1:]
	switch c.ID {
	case CmdAssociationRequest:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: association request capability", ErrTruncated)
		}
		ci := CapabilityFromByte(body[0])
		c.AssociationRequest = &ci
	case CmdAssociationResponse:
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: association response needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		c.AssociationResponse = &AssociationResponse{
			Short:  ShortAddr(getUint16(body)),
			Status: AssocStatus(body[2]),
		}
	case CmdDataRequest, CmdBeaconRequest:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: command 0x%02x with unexpected payload", ErrMalformed, uint8(c.ID))
		}
	default:
		return nil, fmt.Errorf("%w: mac command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return c, nil
}

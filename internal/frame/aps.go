package frame

import "fmt"

// APSType is the application support sublayer frame type.
type APSType uint8

const (
	APSData APSType = 0
	APSCmd  APSType = 1
	APSAck  APSType = 2
)

// APSDelivery selects how an APS frame is delivered.
type APSDelivery uint8

const (
	DeliveryUnicast   APSDelivery = 0
	DeliveryBroadcast APSDelivery = 2
)

// Fragmentation states in the extended header.
const (
	FragFirst        uint8 = 1
	FragContinuation uint8 = 2
)

// APSExtHeader is the extended header of a fragmented frame. On the first
// fragment Block carries the total fragment count, on continuations the
// zero-based fragment index, and on acks the index being acknowledged.
type APSExtHeader struct {
	Fragmentation uint8
	Block         uint8
}

// APSFrame is a parsed application support sublayer frame. Addressing
// fields are only present on the wire for data frames and full acks;
// command frames carry just the counter before their payload. When
// Security is set the payload still includes the auxiliary security
// header and ciphertext.
type APSFrame struct {
	Type       APSType
	Delivery   APSDelivery
	AckFormat  bool
	Security   bool
	AckRequest bool

	DestEndpoint uint8
	Cluster      uint16
	Profile      uint16
	SrcEndpoint  uint8
	Counter      uint8

	Ext *APSExtHeader

	Payload []byte
}

// APS frame control bit positions.
const (
	apsFCType       = 0 // bits 0..1
	apsFCDelivery   = 2 // bits 2..3
	apsFCAckFormat  = 4
	apsFCSecurity   = 5
	apsFCAckRequest = 6
	apsFCExtHeader  = 7
)

// EncodeAPS serializes an APS frame, payload included.
func EncodeAPS(f *APSFrame) ([]byte, error) {
	if f.Type > APSAck {
		return nil, fmt.Errorf("%w: aps frame type %d", ErrUnsupported, f.Type)
	}
	if f.Delivery != DeliveryUnicast && f.Delivery != DeliveryBroadcast {
		return nil, fmt.Errorf("%w: aps delivery mode %d", ErrUnsupported, f.Delivery)
	}
	fc := uint8(f.Type)<<apsFCType | uint8(f.Delivery)<<apsFCDelivery
	if f.AckFormat {
		fc |= 1 << apsFCAckFormat
	}
	if f.Security {
		fc |= 1 << apsFCSecurity
	}
	if f.AckRequest {
		fc |= 1 << apsFCAckRequest
	}
	if f.Ext != nil {
		fc |= 1 << apsFCExtHeader
	}

	out := make([]byte, 0, 10+len(f.Payload))
	out = append(out, fc)
	if f.hasAddressing() {
		out = append(out, f.DestEndpoint)
		out = putUint16(out, f.Cluster)
		out = putUint16(out, f.Profile)
		out = append(out, f.SrcEndpoint)
	}
	out = append(out, f.Counter)
	if f.Ext != nil {
		if f.Ext.Fragmentation != FragFirst && f.Ext.Fragmentation != FragContinuation {
			return nil, fmt.Errorf("%w: fragmentation state %d", ErrMalformed, f.Ext.Fragmentation)
		}
		out = append(out, f.Ext.Fragmentation, f.Ext.Block)
	}
	return append(out, f.Payload...), nil
}

// hasAddressing reports whether the endpoint/cluster/profile block is on
// the wire: data frames always, acks unless they use the command format.
func (f *APSFrame) hasAddressing() bool {
	switch f.Type {
	case APSData:
		return true
	case APSAck:
		return !f.AckFormat
	}
	return false
}

// DecodeAPS parses an APS frame. headerLen is the number of header bytes,
// needed to reconstruct the authenticated data when the frame carries
// APS-level security.
func DecodeAPS(data []byte) (f *APSFrame, headerLen int, err error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: empty aps frame", ErrTruncated)
	}
	fc := data[0]
	f = &APSFrame{
		Type:       APSType(fc >> apsFCType & 0x3),
		Delivery:   APSDelivery(fc >> apsFCDelivery & 0x3),
		AckFormat:  fc&(1<<apsFCAckFormat) != 0,
		Security:   fc&(1<<apsFCSecurity) != 0,
		AckRequest: fc&(1<<apsFCAckRequest) != 0,
	}
	if f.Type > APSAck {
		return nil, 0, fmt.Errorf("%w: aps frame type %d", ErrUnsupported, f.Type)
	}
	if f.Delivery != DeliveryUnicast && f.Delivery != DeliveryBroadcast {
		return nil, 0, fmt.Errorf("%w: aps delivery mode %d", ErrUnsupported, f.Delivery)
	}
	pos := 1
	if f.hasAddressing() {
		if len(data) < pos+6 {
			return nil, 0, fmt.Errorf("%w: aps addressing needs 6 bytes, have %d", ErrTruncated, len(data)-pos)
		}
		f.DestEndpoint = data[pos]
		f.Cluster = getUint16(data[pos+1:])
		f.Profile = getUint16(data[pos+3:])
		f.SrcEndpoint = data[pos+5]
		pos += 6
	}
	if len(data) < pos+1 {
		return nil, 0, fmt.Errorf("%w: aps counter", ErrTruncated)
	}
	f.Counter = data[pos]
	pos++
	if fc&(1<<apsFCExtHeader) != 0 {
		if len(data) < pos+2 {
			return nil, 0, fmt.Errorf("%w: aps extended header", ErrTruncated)
		}
		frag := data[pos] & 0x3
		if frag != FragFirst && frag != FragContinuation {
			return nil, 0, fmt.Errorf("%w: fragmentation state %d", ErrMalformed, frag)
		}
		f.Ext = &APSExtHeader{Fragmentation: frag, Block: data[pos+1]}
		pos += 2
	}
	if len(data) > pos {
		f.Payload = append([]byte(nil), data[pos:]...)
	}
	return f, pos, nil
}

// APSCmdID identifies an APS command.
type APSCmdID uint8

const (
	APSCmdTransportKey APSCmdID = 0x05
	APSCmdSwitchKey    APSCmdID = 0x09
)

// Key types carried by a transport key command.
const KeyTypeStandardNetwork uint8 = 0x01

// TransportKey delivers the network key to a joining or rekeying device.
type TransportKey struct {
	KeyType  uint8
	Key      [16]byte
	Seq      uint8
	DestIEEE IEEEAddr
	SrcIEEE  IEEEAddr
}

// SwitchKey tells devices to activate the previously transported key.
type SwitchKey struct {
	Seq uint8
}

// APSCommand is a decoded APS command; the pointer matching ID is set.
type APSCommand struct {
	ID           APSCmdID
	TransportKey *TransportKey
	SwitchKey    *SwitchKey
}

// EncodeAPSCmd serializes an APS command into the (plaintext) payload of a
// command frame.
func EncodeAPSCmd(c *APSCommand) ([]byte, error) {
	out := make([]byte, 0, 28)
	out = append(out, byte(c.ID))
	switch c.ID {
	case APSCmdTransportKey:
		tk := c.TransportKey
		if tk == nil {
			return nil, fmt.Errorf("%w: transport key without body", ErrMalformed)
		}
		if tk.KeyType != KeyTypeStandardNetwork {
			return nil, fmt.Errorf("%w: transport key type 0x%02x", ErrUnsupported, tk.KeyType)
		}
		out = append(out, tk.KeyType)
		out = append(out, tk.Key[:]...)
		out = append(out, tk.Seq)
		out = putUint64(out, uint64(tk.DestIEEE))
		out = putUint64(out, uint64(tk.SrcIEEE))
	case APSCmdSwitchKey:
		if c.SwitchKey == nil {
			return nil, fmt.Errorf("%w: switch key without body", ErrMalformed)
		}
		out = append(out, c.SwitchKey.Seq)
	default:
		return nil, fmt.Errorf("%w: aps command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return out, nil
}

// DecodeAPSCmd parses the plaintext payload of an APS command frame.
func DecodeAPSCmd(data []byte) (*APSCommand, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty aps command", ErrTruncated)
	}
	c := &APSCommand{ID: APSCmdID(data[0])}
	body := data[1:]
	switch c.ID {
	case APSCmdTransportKey:
		if len(body) < 34 {
			return nil, fmt.Errorf("%w: transport key needs 34 bytes, have %d", ErrTruncated, len(body))
		}
		if body[0] != KeyTypeStandardNetwork {
			return nil, fmt.Errorf("%w: transport key type 0x%02x", ErrUnsupported, body[0])
		}
		tk := &TransportKey{
			KeyType:  body[0],
			Seq:      body[17],
			DestIEEE: IEEEAddr(getUint64(body[18:])),
			SrcIEEE:  IEEEAddr(getUint64(body[26:])),
		}
		copy(tk.Key[:], body[1:17])
		c.TransportKey = tk
	case APSCmdSwitchKey:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: switch key sequence", ErrTruncated)
		}
		c.SwitchKey = &SwitchKey{Seq: body[0]}
	default:
		return nil, fmt.Errorf("%w: aps command 0x%02x", ErrUnsupported, uint8(c.ID))
	}
	return c, nil
}

package frame

import "fmt"

// Key identifiers in the auxiliary security header.
const (
	KeyIDData         uint8 = 0
	KeyIDNetwork      uint8 = 1
	KeyIDKeyTransport uint8 = 2
	KeyIDKeyLoad      uint8 = 3
)

// LevelEncMic32 is the only security level on this network: AES-CCM*
// encryption with a 4-byte integrity code.
const (
	LevelEncMic32 uint8 = 5
	MICSize             = 4
)

// AuxHeader is the auxiliary security header preceding encrypted payload
// at the NWK or APS layer. The security level bits are zeroed on the air;
// the real level is fixed by network policy and supplied where needed.
type AuxHeader struct {
	KeyID         uint8
	ExtendedNonce bool
	Counter       uint32
	SrcIEEE       IEEEAddr // present when ExtendedNonce
	KeySeq        uint8    // present when KeyID is KeyIDNetwork
}

func (a *AuxHeader) control(level uint8) uint8 {
	b := level&0x7 | (a.KeyID&0x3)<<3
	if a.ExtendedNonce {
		b |= 1 << 5
	}
	return b
}

// EncodeAux serializes the header with the given level in the control
// byte. Frames on the air carry level 0; the real level goes into the
// nonce and the authenticated data.
func EncodeAux(a *AuxHeader, level uint8) []byte {
	out := make([]byte, 0, 14)
	out = append(out, a.control(level))
	out = putUint32(out, a.Counter)
	if a.ExtendedNonce {
		out = putUint64(out, uint64(a.SrcIEEE))
	}
	if a.KeyID == KeyIDNetwork {
		out = append(out, a.KeySeq)
	}
	return out
}

// DecodeAux parses an auxiliary security header and returns how many bytes
// it occupied. The wire level bits are discarded; policy dictates the
// level actually applied.
func DecodeAux(data []byte) (*AuxHeader, int, error) {
	if len(data) < 5 {
		return nil, 0, fmt.Errorf("%w: aux header needs 5 bytes, have %d", ErrTruncated, len(data))
	}
	ctl := data[0]
	a := &AuxHeader{
		KeyID:         ctl >> 3 & 0x3,
		ExtendedNonce: ctl&(1<<5) != 0,
		Counter:       getUint32(data[1:]),
	}
	pos := 5
	if a.ExtendedNonce {
		if len(data) < pos+8 {
			return nil, 0, fmt.Errorf("%w: aux header source address", ErrTruncated)
		}
		a.SrcIEEE = IEEEAddr(getUint64(data[pos:]))
		pos += 8
	}
	if a.KeyID == KeyIDNetwork {
		if len(data) < pos+1 {
			return nil, 0, fmt.Errorf("%w: aux header key sequence", ErrTruncated)
		}
		a.KeySeq = data[pos]
		pos++
	}
	return a, pos, nil
}

// Nonce builds the 13-byte CCM* nonce: source address, frame counter and
// the control byte carrying the real security level. src is the header's
// own source when an extended nonce is present, otherwise resolved by the
// caller from the enclosing frame.
func (a *AuxHeader) Nonce(src IEEEAddr, level uint8) [13]byte {
	var n [13]byte
	v := uint64(src)
	for i := 0; i < 8; i++ {
		n[i] = byte(v >> (8 * i))
	}
	c := a.Counter
	for i := 0; i < 4; i++ {
		n[8+i] = byte(c >> (8 * i))
	}
	n[12] = a.control(level)
	return n
}

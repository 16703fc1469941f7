package radio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// The bridge frames every message the same way in both directions:
// ASCII "ZPB", command id, request id (big endian), payload length
// (big endian), payload.
var magic = []byte("ZPB")

const msgHeaderLen = 5 // command id + request id + length, after the magic

// Host to radio commands. The bridge maps these onto the Contiki radio
// driver API.
const (
	cmdPrepare uint8 = iota
	cmdTransmit
	cmdSend
	cmdChannelClear
	cmdOn
	cmdOff
	cmdGetValue
	cmdSetValue
	cmdGetObject
	cmdSetObject
)

// Radio to host message kinds.
const (
	respOK       uint8 = 0x80
	respErr      uint8 = 0x81
	respIncoming uint8 = 0xC0
)

// Radio parameter ids for cmdGetValue/cmdSetValue/cmdGetObject.
const (
	paramPowerMode uint16 = iota
	paramChannel
	paramPANID
	paramShortAddress
	paramRxMode
	paramTxMode
	paramTxPower
	paramCCAThreshold
	paramRSSI
	paramLastRSSI
	paramLastLinkQuality
	paramLongAddress
	paramLastPacketTimestamp
	paramChannelMin
	paramChannelMax
	paramTxPowerMin
	paramTxPowerMax
)

var cmdNames = map[uint8]string{
	cmdPrepare:      "prepare",
	cmdTransmit:     "transmit",
	cmdSend:         "send",
	cmdChannelClear: "channel_clear",
	cmdOn:           "on",
	cmdOff:          "off",
	cmdGetValue:     "get_value",
	cmdSetValue:     "set_value",
	cmdGetObject:    "get_object",
	cmdSetObject:    "set_object",
}

func cmdName(cmd uint8) string {
	if name, ok := cmdNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// message is one framed exchange on the serial link.
type message struct {
	cmd     uint8
	reqID   uint16
	payload []byte
}

// appendMessage encodes m and appends the wire bytes to dst.
func appendMessage(dst []byte, m message) []byte {
	dst = append(dst, magic...)
	dst = append(dst, m.cmd)
	dst = binary.BigEndian.AppendUint16(dst, m.reqID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.payload)))
	return append(dst, m.payload...)
}

// readMessage reads the next framed message, scanning past any garbage
// before the magic. Serial links drop bytes; resynchronizing on the magic
// keeps one corrupt frame from desyncing the whole stream.
func readMessage(r *bufio.Reader) (message, error) {
	matched := 0
	for matched < len(magic) {
		b, err := r.ReadByte()
		if err != nil {
			return message{}, err
		}
		switch {
		case b == magic[matched]:
			matched++
		case b == magic[0]:
			matched = 1
		default:
			matched = 0
		}
	}

	var hdr [msgHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return message{}, err
	}
	m := message{
		cmd:     hdr[0],
		reqID:   binary.BigEndian.Uint16(hdr[1:3]),
		payload: make([]byte, binary.BigEndian.Uint16(hdr[3:5])),
	}
	if _, err := io.ReadFull(r, m.payload); err != nil {
		return message{}, err
	}
	return m, nil
}

// parseStatus splits an OK response payload into the bridge status word
// and the result data that follows it.
func parseStatus(payload []byte) (uint16, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("radio: response too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], nil
}

// value packs the mode into the bridge's RxMode parameter
// (bit0 address filter, bit1 autoack, bit2 poll mode).
func (m RxMode) value() uint16 {
	var v uint16
	if m.AddressFilter {
		v |= 1 << 0
	}
	if m.AutoAck {
		v |= 1 << 1
	}
	if m.PollMode {
		v |= 1 << 2
	}
	return v
}

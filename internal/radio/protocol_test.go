package radio

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestAppendMessageWire(t *testing.T) {
	raw := appendMessage(nil, message{cmd: cmdSend, reqID: 0x0102, payload: []byte{0xDE, 0xAD}})

	want := []byte{'Z', 'P', 'B', 0x02, 0x01, 0x02, 0x00, 0x02, 0xDE, 0xAD}
	if !bytes.Equal(raw, want) {
		t.Errorf("wire bytes: got %X, want %X", raw, want)
	}
}

func TestReadMessageRoundTrip(t *testing.T) {
	in := message{cmd: cmdGetValue, reqID: 0xBEEF, payload: []byte{0x00, 0x01}}
	raw := appendMessage(nil, in)

	out, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if out.cmd != in.cmd {
		t.Errorf("cmd: got %d, want %d", out.cmd, in.cmd)
	}
	if out.reqID != in.reqID {
		t.Errorf("reqID: got 0x%04X, want 0x%04X", out.reqID, in.reqID)
	}
	if !bytes.Equal(out.payload, in.payload) {
		t.Errorf("payload: got %X, want %X", out.payload, in.payload)
	}
}

func TestReadMessageEmptyPayload(t *testing.T) {
	raw := appendMessage(nil, message{cmd: cmdOn, reqID: 3})

	out, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if out.cmd != cmdOn || out.reqID != 3 {
		t.Errorf("got cmd %d req %d", out.cmd, out.reqID)
	}
	if len(out.payload) != 0 {
		t.Errorf("payload: got %d bytes, want 0", len(out.payload))
	}
}

func TestReadMessageResyncOnGarbage(t *testing.T) {
	raw := []byte{0x00, 0xFF, 'Z', 'Q'} // noise, including a false magic start
	raw = append(raw, appendMessage(nil, message{cmd: respOK, reqID: 9, payload: []byte{0x00, 0x00}})...)

	out, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if out.cmd != respOK || out.reqID != 9 {
		t.Errorf("got cmd 0x%02X req %d after resync", out.cmd, out.reqID)
	}
}

func TestReadMessageOverlappingMagic(t *testing.T) {
	// "ZPZPB" must be read as magic: the third byte restarts the match.
	raw := []byte{'Z', 'P'}
	raw = append(raw, appendMessage(nil, message{cmd: cmdOff, reqID: 1})...)

	out, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if out.cmd != cmdOff {
		t.Errorf("cmd: got %d, want %d", out.cmd, cmdOff)
	}
}

func TestReadMessageStream(t *testing.T) {
	var raw []byte
	raw = appendMessage(raw, message{cmd: respOK, reqID: 1, payload: []byte{0x00, 0x00}})
	raw = appendMessage(raw, message{cmd: respIncoming, reqID: 0, payload: []byte{0x02, 0x00, 0x42, 0xD8, 0xFF}})
	r := bufio.NewReader(bytes.NewReader(raw))

	first, err := readMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	second, err := readMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if first.reqID != 1 || second.cmd != respIncoming {
		t.Errorf("got %+v then %+v", first, second)
	}
	if _, err := readMessage(r); err != io.EOF {
		t.Errorf("after last message: got %v, want EOF", err)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	full := appendMessage(nil, message{cmd: respOK, reqID: 2, payload: []byte{0x00, 0x00, 0x0B}})
	for cut := len(magic) + 1; cut < len(full); cut++ {
		_, err := readMessage(bufio.NewReader(bytes.NewReader(full[:cut])))
		if err == nil {
			t.Errorf("cut at %d: expected error", cut)
		}
	}
}

func TestReadMessageNoMagic(t *testing.T) {
	raw := bytes.Repeat([]byte{0x5A, 0x00}, 32) // 'Z' but never "ZPB"
	if _, err := readMessage(bufio.NewReader(bytes.NewReader(raw))); err != io.EOF {
		t.Errorf("got %v, want EOF", err)
	}
}

func TestParseStatus(t *testing.T) {
	status, data, err := parseStatus([]byte{0x00, 0x03, 0xAA})
	if err != nil {
		t.Fatal(err)
	}
	if status != 3 {
		t.Errorf("status: got %d, want 3", status)
	}
	if !bytes.Equal(data, []byte{0xAA}) {
		t.Errorf("data: got %X", data)
	}

	if _, _, err := parseStatus([]byte{0x00}); err == nil {
		t.Error("expected error for one-byte payload")
	}
}

func TestRxModeValue(t *testing.T) {
	tests := []struct {
		mode RxMode
		want uint16
	}{
		{RxMode{}, 0},
		{RxMode{AddressFilter: true}, 1},
		{RxMode{AutoAck: true}, 2},
		{RxMode{PollMode: true}, 4},
		{RxMode{AddressFilter: true, AutoAck: true}, 3},
		{RxMode{AddressFilter: true, AutoAck: true, PollMode: true}, 7},
	}
	for _, tt := range tests {
		if got := tt.mode.value(); got != tt.want {
			t.Errorf("%+v: got %d, want %d", tt.mode, got, tt.want)
		}
	}
}

func TestCmdName(t *testing.T) {
	if got := cmdName(cmdChannelClear); got != "channel_clear" {
		t.Errorf("got %q", got)
	}
	if got := cmdName(0x55); got != "0x55" {
		t.Errorf("unknown cmd: got %q", got)
	}
}

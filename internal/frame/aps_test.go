package frame

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestDecodeAPSDeviceAnnounce(t *testing.T) {
	// fc 0x08: data frame, broadcast delivery; ZDO device announce header
	data := []byte{0x08, 0x00, 0x13, 0x00, 0x00, 0x00, 0x00, 0x81, 0x55, 0xAA}
	f, n, err := DecodeAPS(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Errorf("header length %d, want 8", n)
	}
	if f.Type != APSData || f.Delivery != DeliveryBroadcast {
		t.Errorf("type %d delivery %d, want data/broadcast", f.Type, f.Delivery)
	}
	if f.Cluster != 0x0013 || f.Profile != 0x0000 {
		t.Errorf("cluster 0x%04X profile 0x%04X, want 0x0013/0x0000", f.Cluster, f.Profile)
	}
	if f.DestEndpoint != 0 || f.SrcEndpoint != 0 {
		t.Errorf("endpoints %d/%d, want 0/0", f.DestEndpoint, f.SrcEndpoint)
	}
	if f.Counter != 0x81 {
		t.Errorf("counter 0x%02X, want 0x81", f.Counter)
	}
	if !bytes.Equal(f.Payload, []byte{0x55, 0xAA}) {
		t.Errorf("payload % X, want 55 AA", f.Payload)
	}
}

func TestDecodeAPSCommandHeader(t *testing.T) {
	// fc 0x21: command frame with aps security; header is fc and counter only
	data := []byte{0x21, 0x06, 0x10}
	f, n, err := DecodeAPS(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("header length %d, want 2", n)
	}
	if f.Type != APSCmd || !f.Security {
		t.Errorf("type %d security %v, want command/secured", f.Type, f.Security)
	}
	if f.Counter != 0x06 {
		t.Errorf("counter %d, want 6", f.Counter)
	}
	if !bytes.Equal(f.Payload, []byte{0x10}) {
		t.Errorf("payload % X, want 10", f.Payload)
	}
}

func TestAPSDataRoundTrip(t *testing.T) {
	f := &APSFrame{
		Type:         APSData,
		Delivery:     DeliveryUnicast,
		AckRequest:   true,
		DestEndpoint: 1,
		Cluster:      0x0006,
		Profile:      0x0104,
		SrcEndpoint:  1,
		Counter:      42,
		Payload:      []byte{0x01, 0x00, 0x01},
	}
	data, err := EncodeAPS(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8+3 {
		t.Errorf("frame length %d, want 11", len(data))
	}
	back, n, err := DecodeAPS(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Errorf("header length %d, want 8", n)
	}
	if !reflect.DeepEqual(back, f) {
		t.Errorf("round trip\n got %+v\nwant %+v", back, f)
	}
}

func TestAPSFragmentRoundTrip(t *testing.T) {
	frames := []*APSFrame{
		{
			Type:         APSData,
			Delivery:     DeliveryUnicast,
			AckRequest:   true,
			DestEndpoint: 1,
			Cluster:      0x0006,
			Profile:      0x0104,
			SrcEndpoint:  1,
			Counter:      42,
			Ext:          &APSExtHeader{Fragmentation: FragFirst, Block: 3}, // 3 fragments total
			Payload:      []byte{0x01},
		},
		{
			Type:         APSData,
			Delivery:     DeliveryUnicast,
			AckRequest:   true,
			DestEndpoint: 1,
			Cluster:      0x0006,
			Profile:      0x0104,
			SrcEndpoint:  1,
			Counter:      42,
			Ext:          &APSExtHeader{Fragmentation: FragContinuation, Block: 1},
			Payload:      []byte{0x02},
		},
	}
	for i, f := range frames {
		data, err := EncodeAPS(f)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		back, n, err := DecodeAPS(data)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if n != 10 {
			t.Errorf("fragment %d: header length %d, want 10", i, n)
		}
		if !reflect.DeepEqual(back, f) {
			t.Errorf("fragment %d round trip\n got %+v\nwant %+v", i, back, f)
		}
	}
}

func TestAPSAckFormats(t *testing.T) {
	full := &APSFrame{
		Type:         APSAck,
		Delivery:     DeliveryUnicast,
		DestEndpoint: 1,
		Cluster:      0x0006,
		Profile:      0x0104,
		SrcEndpoint:  1,
		Counter:      42,
	}
	data, err := EncodeAPS(full)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 {
		t.Errorf("full ack length %d, want 8", len(data))
	}
	back, _, err := DecodeAPS(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, full) {
		t.Errorf("full ack round trip\n got %+v\nwant %+v", back, full)
	}

	cmd := &APSFrame{Type: APSAck, Delivery: DeliveryUnicast, AckFormat: true, Counter: 7}
	data, err = EncodeAPS(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 {
		t.Errorf("command ack length %d, want 2", len(data))
	}
	back, _, err = DecodeAPS(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, cmd) {
		t.Errorf("command ack round trip\n got %+v\nwant %+v", back, cmd)
	}
}

func TestAPSGroupDeliveryUnsupported(t *testing.T) {
	// delivery mode 3 (group) in the fc
	if _, _, err := DecodeAPS([]byte{0x0C, 0x00, 0x00}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("decode: got %v, want ErrUnsupported", err)
	}
	f := &APSFrame{Type: APSData, Delivery: 3, Counter: 1}
	if _, err := EncodeAPS(f); !errors.Is(err, ErrUnsupported) {
		t.Errorf("encode: got %v, want ErrUnsupported", err)
	}
}

func TestDecodeAPSTruncated(t *testing.T) {
	full := []byte{0x88, 0x00, 0x13, 0x00, 0x00, 0x00, 0x00, 0x81, 0x01, 0x03}
	for cut := 0; cut < len(full); cut++ {
		if _, _, err := DecodeAPS(full[:cut]); !errors.Is(err, ErrTruncated) {
			t.Errorf("cut at %d: got %v, want ErrTruncated", cut, err)
		}
	}
}

func TestTransportKeyRoundTrip(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i)
	}
	c := &APSCommand{
		ID: APSCmdTransportKey,
		TransportKey: &TransportKey{
			KeyType:  KeyTypeStandardNetwork,
			Key:      key,
			Seq:      0,
			DestIEEE: testDeviceIEEE,
			SrcIEEE:  testCoordIEEE,
		},
	}
	data, err := EncodeAPSCmd(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 35 {
		t.Errorf("length %d, want 35", len(data))
	}
	if data[0] != 0x05 || data[1] != 0x01 {
		t.Errorf("prefix %02X %02X, want 05 01", data[0], data[1])
	}
	back, err := DecodeAPSCmd(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, c) {
		t.Errorf("round trip\n got %+v\nwant %+v", back, c)
	}
}

func TestSwitchKeyWire(t *testing.T) {
	c := &APSCommand{ID: APSCmdSwitchKey, SwitchKey: &SwitchKey{Seq: 1}}
	data, err := EncodeAPSCmd(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0x09, 0x01}) {
		t.Errorf("encoded % X, want 09 01", data)
	}
	back, err := DecodeAPSCmd(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, c) {
		t.Errorf("round trip got %+v, want %+v", back, c)
	}
}

func TestDecodeAPSCmdUnknown(t *testing.T) {
	// update device (0x06) comes from routers, not from us
	if _, err := DecodeAPSCmd([]byte{0x06, 0x00}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v, want ErrUnsupported", err)
	}
}

func TestDecodeTransportKeyWrongType(t *testing.T) {
	data := make([]byte, 35)
	data[0] = 0x05
	data[1] = 0x04 // trust center link key
	if _, err := DecodeAPSCmd(data); !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v, want ErrUnsupported", err)
	}
}

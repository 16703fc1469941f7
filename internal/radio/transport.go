// Package radio drives the USB 802.15.4 radio bridge.
// Backend: Contiki-based dongle speaking a framed request/response
// protocol over a serial port.
package radio

import (
	"context"
	"errors"

	"zigpan/internal/frame"
)

// ErrTransportClosed is returned once the serial link is gone, either from
// Close or an unrecoverable port error. The stream cannot be resumed
// mid-flight; the caller has to reopen the port.
var ErrTransportClosed = errors.New("radio: transport closed")

// ErrRequestFailed wraps error replies and nonzero status codes from the
// bridge firmware.
var ErrRequestFailed = errors.New("radio: request failed")

// Frame is one received 802.15.4 frame with its radio metadata.
type Frame struct {
	Data        []byte
	RSSI        int8
	LinkQuality uint8
}

// RxMode configures the receive path of the radio.
type RxMode struct {
	AddressFilter bool // drop frames not addressed to us in hardware
	AutoAck       bool // acknowledge unicast frames in hardware
	PollMode      bool
}

// Transport is the abstract interface to an 802.15.4 radio.
type Transport interface {
	// Power and configuration
	On(ctx context.Context) error
	Off(ctx context.Context) error
	SetChannel(ctx context.Context, channel uint16) error
	SetPANID(ctx context.Context, pan frame.PANID) error
	SetShortAddress(ctx context.Context, addr frame.ShortAddr) error
	SetRxMode(ctx context.Context, mode RxMode) error
	SetTxPower(ctx context.Context, dbm int16) error
	LongAddress(ctx context.Context) (frame.IEEEAddr, error)
	ChannelRange(ctx context.Context) (min, max uint16, err error)
	RSSI(ctx context.Context) (int16, error)

	// Frames
	Send(ctx context.Context, raw []byte) error
	OnFrame(handler func(Frame))

	// Lifecycle
	Done() <-chan struct{}
	Close() error
}

package radio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"zigpan/internal/frame"
)

// Config holds the serial link settings for the radio bridge.
type Config struct {
	Device   string
	BaudRate int
}

// Bridge drives the radio bridge dongle over a serial port and implements
// Transport.
type Bridge struct {
	port   serial.Port
	reader *bufio.Reader
	logger *slog.Logger

	// Request/response tracking (keyed by request id).
	nextID  uint16
	pending map[uint16]chan result
	mu      sync.Mutex

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onFrame   func(Frame)

	// lifecycleMu protects concurrent fail/Close access to port, done,
	// closeOnce.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

type result struct {
	payload []byte
	err     error
}

// NewBridge opens the serial port to the radio bridge and starts its read
// loop.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", cfg.Device, err)
	}

	// USB CDC ACM: assert DTR/RTS or the dongle stays silent.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	b := &Bridge{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "radio"),
		pending: make(map[uint16]chan result),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// request sends one command to the bridge and waits for its response.
func (b *Bridge) request(ctx context.Context, cmd uint8, payload []byte) ([]byte, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan result, 1)
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	raw := appendMessage(nil, message{cmd: cmd, reqID: id, payload: payload})

	b.writeMu.Lock()
	_, err := b.port.Write(raw)
	b.writeMu.Unlock()
	if err != nil {
		select {
		case <-b.done:
			return nil, ErrTransportClosed
		default:
		}
		return nil, fmt.Errorf("radio: write %s: %w", cmdName(cmd), err)
	}

	b.logger.Debug("bridge TX", "cmd", cmdName(cmd), "req", id, "payload", fmt.Sprintf("%X", payload))

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("radio: %s: %w", cmdName(cmd), res.err)
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrTransportClosed
	}
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-b.done:
			return
		default:
		}

		m, err := readMessage(b.reader)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "closed") {
				// The dongle is gone. The stream cannot be resumed
				// mid-flight, only a fresh open can.
				b.fail()
				return
			}
			b.logger.Error("bridge read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-b.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		b.handleMessage(m)
	}
}

func (b *Bridge) handleMessage(m message) {
	switch m.cmd {
	case respOK:
		b.deliver(m.reqID, result{payload: m.payload})
	case respErr:
		b.deliver(m.reqID, result{err: fmt.Errorf("%w: bridge reported %X", ErrRequestFailed, m.payload)})
	case respIncoming:
		if len(m.payload) < 3 {
			b.logger.Warn("bridge packet without radio metadata", "len", len(m.payload))
			return
		}
		n := len(m.payload)
		f := Frame{
			Data:        m.payload[:n-2],
			RSSI:        int8(m.payload[n-2]),
			LinkQuality: m.payload[n-1],
		}
		b.logger.Debug("frame received", "len", len(f.Data), "rssi", f.RSSI, "lqi", f.LinkQuality)
		b.handlerMu.RLock()
		handler := b.onFrame
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(f)
		}
	default:
		b.logger.Warn("bridge unexpected message", "cmd", m.cmd, "req", m.reqID)
	}
}

func (b *Bridge) deliver(id uint16, res result) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("bridge orphaned response (too late)", "req", id)
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// fail marks the transport dead after an unrecoverable serial error.
func (b *Bridge) fail() {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.closeOnce.Do(func() { close(b.done) })
	_ = b.port.Close()
	b.logger.Error("bridge transport lost")
}

// getValue reads one u16 radio parameter.
func (b *Bridge) getValue(ctx context.Context, param uint16) (uint16, error) {
	req := binary.BigEndian.AppendUint16(nil, param)
	payload, err := b.request(ctx, cmdGetValue, req)
	if err != nil {
		return 0, err
	}
	status, data, err := parseStatus(payload)
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, fmt.Errorf("%w: get param %d status %d", ErrRequestFailed, param, status)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("radio: short value for param %d", param)
	}
	return binary.BigEndian.Uint16(data), nil
}

// setValue writes one u16 radio parameter.
func (b *Bridge) setValue(ctx context.Context, param, value uint16) error {
	req := make([]byte, 0, 4)
	req = binary.BigEndian.AppendUint16(req, param)
	req = binary.BigEndian.AppendUint16(req, value)
	payload, err := b.request(ctx, cmdSetValue, req)
	if err != nil {
		return err
	}
	status, _, err := parseStatus(payload)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("%w: set param %d status %d", ErrRequestFailed, param, status)
	}
	return nil
}

// getObject reads one variable-size radio parameter.
func (b *Bridge) getObject(ctx context.Context, param uint16, size int) ([]byte, error) {
	req := make([]byte, 0, 4)
	req = binary.BigEndian.AppendUint16(req, param)
	req = binary.BigEndian.AppendUint16(req, uint16(size))
	payload, err := b.request(ctx, cmdGetObject, req)
	if err != nil {
		return nil, err
	}
	status, data, err := parseStatus(payload)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("%w: get object %d status %d", ErrRequestFailed, param, status)
	}
	if len(data) < size {
		return nil, fmt.Errorf("radio: short object for param %d: need %d, have %d", param, size, len(data))
	}
	return data[:size], nil
}

// On powers up the radio receive path.
func (b *Bridge) On(ctx context.Context) error {
	return b.power(ctx, cmdOn)
}

// Off powers down the radio.
func (b *Bridge) Off(ctx context.Context) error {
	return b.power(ctx, cmdOff)
}

// The Contiki driver returns 1 from on/off, unlike the parameter API
// where 0 means success.
func (b *Bridge) power(ctx context.Context, cmd uint8) error {
	payload, err := b.request(ctx, cmd, nil)
	if err != nil {
		return err
	}
	status, _, err := parseStatus(payload)
	if err != nil {
		return err
	}
	if status != 1 {
		return fmt.Errorf("%w: %s status %d", ErrRequestFailed, cmdName(cmd), status)
	}
	return nil
}

// SetChannel tunes the radio to the given 802.15.4 channel (11..26).
func (b *Bridge) SetChannel(ctx context.Context, channel uint16) error {
	return b.setValue(ctx, paramChannel, channel)
}

// SetPANID sets the PAN id used by the hardware address filter.
func (b *Bridge) SetPANID(ctx context.Context, pan frame.PANID) error {
	return b.setValue(ctx, paramPANID, uint16(pan))
}

// SetShortAddress sets the short address used by the hardware address filter.
func (b *Bridge) SetShortAddress(ctx context.Context, addr frame.ShortAddr) error {
	return b.setValue(ctx, paramShortAddress, uint16(addr))
}

// SetRxMode configures hardware filtering, autoack and poll mode.
func (b *Bridge) SetRxMode(ctx context.Context, mode RxMode) error {
	return b.setValue(ctx, paramRxMode, mode.value())
}

// SetTxPower sets the transmit power in dBm.
func (b *Bridge) SetTxPower(ctx context.Context, dbm int16) error {
	return b.setValue(ctx, paramTxPower, uint16(dbm))
}

// LongAddress reads the radio's EUI-64.
func (b *Bridge) LongAddress(ctx context.Context) (frame.IEEEAddr, error) {
	data, err := b.getObject(ctx, paramLongAddress, 8)
	if err != nil {
		return 0, err
	}
	return frame.IEEEAddr(binary.BigEndian.Uint64(data)), nil
}

// ChannelRange reports the channel span the radio hardware supports.
func (b *Bridge) ChannelRange(ctx context.Context) (uint16, uint16, error) {
	lo, err := b.getValue(ctx, paramChannelMin)
	if err != nil {
		return 0, 0, err
	}
	hi, err := b.getValue(ctx, paramChannelMax)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// RSSI samples the current received signal strength in dBm.
func (b *Bridge) RSSI(ctx context.Context) (int16, error) {
	v, err := b.getValue(ctx, paramRSSI)
	if err != nil {
		return 0, err
	}
	return int16(v), nil
}

// Send transmits one raw 802.15.4 frame.
func (b *Bridge) Send(ctx context.Context, raw []byte) error {
	payload, err := b.request(ctx, cmdSend, raw)
	if err != nil {
		return err
	}
	status, _, err := parseStatus(payload)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("%w: send status %d", ErrRequestFailed, status)
	}
	return nil
}

// OnFrame registers the handler for received frames. The handler runs on
// the read loop goroutine and must not block.
func (b *Bridge) OnFrame(handler func(Frame)) {
	b.handlerMu.Lock()
	b.onFrame = handler
	b.handlerMu.Unlock()
}

// Done is closed when the transport dies, either from Close or a fatal
// serial error.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close stops the bridge and waits for the read loop to exit.
func (b *Bridge) Close() error {
	b.lifecycleMu.Lock()
	if b.closed {
		b.lifecycleMu.Unlock()
		b.wg.Wait()
		return nil
	}
	b.closed = true
	b.closeOnce.Do(func() { close(b.done) })
	err := b.port.Close()
	b.lifecycleMu.Unlock()

	b.wg.Wait()
	return err
}

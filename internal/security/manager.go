// Package security implements the network security services: the AES-CCM*
// transform, the MMO hash family, network key rotation state and the frame
// counters that give replay protection.
package security

import (
	"errors"
	"fmt"
	"log/slog"

	"zigpan/internal/frame"
)

var (
	// ErrAuthentication means an integrity code did not verify.
	ErrAuthentication = errors.New("authentication failed")
	// ErrReplay means a frame counter ran backwards for its source.
	ErrReplay = errors.New("replay detected")
	// ErrUnknownKey means no key material matches the aux header.
	ErrUnknownKey = errors.New("no matching key")
)

// CounterSlack is added to restored outgoing frame counters so that a
// counter persisted before a crash can never be reused.
const CounterSlack = 1024

// counterRekeyThreshold marks the outgoing counter value beyond which the
// network should rotate its key before the counter can wrap.
const counterRekeyThreshold = 0xF0000000

// Manager owns the key material and frame counter state of the network.
// It is driven from the network manager loop and is not safe for
// concurrent use.
type Manager struct {
	log   *slog.Logger
	local frame.IEEEAddr

	linkKey      Key
	keyTransport Key
	keyLoad      Key

	active   KeySlot
	pending  *KeySlot // transported but not yet switched to
	previous *KeySlot // accepted during the grace period after a switch

	nwkOutgoing uint32
	apsOutgoing uint32
	incoming    map[frame.IEEEAddr]uint32
}

// NewManager builds a Manager around the trust center link key and the
// active network key. local is the coordinator extended address used as
// the nonce source on outgoing frames.
func NewManager(log *slog.Logger, local frame.IEEEAddr, link Key, active KeySlot) *Manager {
	return &Manager{
		log:          log.With("component", "security"),
		local:        local,
		linkKey:      link,
		keyTransport: DeriveKeyTransportKey(link),
		keyLoad:      DeriveKeyLoadKey(link),
		active:       active,
		incoming:     make(map[frame.IEEEAddr]uint32),
	}
}

// ActiveSlot returns the network key currently securing outgoing traffic.
func (m *Manager) ActiveSlot() KeySlot { return m.active }

// PendingSlot returns the staged network key, or nil outside a rotation.
func (m *Manager) PendingSlot() *KeySlot {
	if m.pending == nil {
		return nil
	}
	s := *m.pending
	return &s
}

// StagePending stores a transported-but-inactive network key. Inbound
// frames secured with it are accepted immediately.
func (m *Manager) StagePending(slot KeySlot) {
	m.pending = &slot
	m.log.Info("staged network key", "seq", slot.Seq)
}

// Promote activates the pending key. The old key stays accepted for
// inbound traffic until DropPrevious, covering devices that switch late.
func (m *Manager) Promote() error {
	if m.pending == nil {
		return fmt.Errorf("%w: no pending network key", ErrUnknownKey)
	}
	old := m.active
	m.active = *m.pending
	m.pending = nil
	m.previous = &old
	// devices restart their outgoing counters under the new key
	m.incoming = make(map[frame.IEEEAddr]uint32)
	m.log.Info("network key switched", "seq", m.active.Seq, "previous", old.Seq)
	return nil
}

// DropPrevious ends the post-switch grace period.
func (m *Manager) DropPrevious() {
	if m.previous != nil {
		m.log.Info("retired network key", "seq", m.previous.Seq)
		m.previous = nil
	}
}

// NeedsRotation reports whether the outgoing frame counter is close enough
// to wrapping that the network key must be rotated.
func (m *Manager) NeedsRotation() bool { return m.nwkOutgoing >= counterRekeyThreshold }

// NWKCounter returns the last used outgoing network frame counter.
func (m *Manager) NWKCounter() uint32 { return m.nwkOutgoing }

// APSCounter returns the last used outgoing APS security frame counter.
func (m *Manager) APSCounter() uint32 { return m.apsOutgoing }

// RestoreCounters seeds the outgoing counters from persisted state. The
// caller adds CounterSlack for values that may be stale.
func (m *Manager) RestoreCounters(nwk, aps uint32) {
	m.nwkOutgoing = nwk
	m.apsOutgoing = aps
}

// IncomingCounters returns a copy of the per-device replay state for
// persistence.
func (m *Manager) IncomingCounters() map[frame.IEEEAddr]uint32 {
	out := make(map[frame.IEEEAddr]uint32, len(m.incoming))
	for k, v := range m.incoming {
		out[k] = v
	}
	return out
}

// RestoreIncoming seeds the per-device replay state.
func (m *Manager) RestoreIncoming(counters map[frame.IEEEAddr]uint32) {
	for k, v := range counters {
		m.incoming[k] = v
	}
}

// ResetIncoming clears replay state for a device that joined afresh and
// restarted its counters.
func (m *Manager) ResetIncoming(src frame.IEEEAddr) { delete(m.incoming, src) }

// networkKey resolves a network key by its sequence number across the
// active, pending and grace slots.
func (m *Manager) networkKey(seq uint8) (Key, bool) {
	if seq == m.active.Seq {
		return m.active.Key, true
	}
	if m.pending != nil && seq == m.pending.Seq {
		return m.pending.Key, true
	}
	if m.previous != nil && seq == m.previous.Seq {
		return m.previous.Key, true
	}
	return Key{}, false
}

func (m *Manager) keyFor(aux *frame.AuxHeader) (Key, error) {
	switch aux.KeyID {
	case frame.KeyIDNetwork:
		key, ok := m.networkKey(aux.KeySeq)
		if !ok {
			return Key{}, fmt.Errorf("%w: network key sequence %d", ErrUnknownKey, aux.KeySeq)
		}
		return key, nil
	case frame.KeyIDData:
		return m.linkKey, nil
	case frame.KeyIDKeyTransport:
		return m.keyTransport, nil
	case frame.KeyIDKeyLoad:
		return m.keyLoad, nil
	}
	return Key{}, fmt.Errorf("%w: key id %d", ErrUnknownKey, aux.KeyID)
}

// seal encrypts plaintext and prepends the on-air aux header. header is
// the already-encoded layer header preceding the aux header on the wire;
// both are covered by the integrity code, with the real security level
// patched into the authenticated copy of the aux header.
func (m *Manager) seal(aux *frame.AuxHeader, key Key, header, plaintext []byte) []byte {
	authed := frame.EncodeAux(aux, frame.LevelEncMic32)
	aad := make([]byte, 0, len(header)+len(authed))
	aad = append(aad, header...)
	aad = append(aad, authed...)

	nonce := aux.Nonce(m.local, frame.LevelEncMic32)
	ct := ccmEncrypt(key, nonce, plaintext, aad, frame.MICSize)

	out := frame.EncodeAux(aux, 0)
	return append(out, ct...)
}

// open authenticates and decrypts an aux-header-prefixed payload. src is
// the nonce source when the aux header carries no extended nonce.
func (m *Manager) open(header, payload []byte, src frame.IEEEAddr) ([]byte, *frame.AuxHeader, error) {
	aux, n, err := frame.DecodeAux(payload)
	if err != nil {
		return nil, nil, err
	}
	key, err := m.keyFor(aux)
	if err != nil {
		return nil, nil, err
	}
	if aux.ExtendedNonce {
		src = aux.SrcIEEE
	}
	if src == 0 {
		return nil, nil, fmt.Errorf("%w: no source address for the nonce", ErrAuthentication)
	}

	authed := frame.EncodeAux(aux, frame.LevelEncMic32)
	aad := make([]byte, 0, len(header)+len(authed))
	aad = append(aad, header...)
	aad = append(aad, authed...)

	nonce := aux.Nonce(src, frame.LevelEncMic32)
	pt, err := ccmDecrypt(key, nonce, payload[n:], aad, frame.MICSize)
	if err != nil {
		m.log.Debug("frame failed authentication", "src", src, "counter", aux.Counter)
		return nil, nil, err
	}
	return pt, aux, nil
}

// SecureNWK secures a network payload under the active network key.
// header is the encoded NWK header; the returned bytes replace the plain
// payload after it.
func (m *Manager) SecureNWK(header, plaintext []byte) []byte {
	m.nwkOutgoing++
	aux := &frame.AuxHeader{
		KeyID:         frame.KeyIDNetwork,
		ExtendedNonce: true,
		Counter:       m.nwkOutgoing,
		SrcIEEE:       m.local,
		KeySeq:        m.active.Seq,
	}
	return m.seal(aux, m.active.Key, header, plaintext)
}

// OpenNWK verifies and decrypts a secured network payload, enforcing the
// per-source frame counter. src is the sender extended address for frames
// whose aux header omits it.
func (m *Manager) OpenNWK(header, payload []byte, src frame.IEEEAddr) ([]byte, error) {
	aux, _, err := frame.DecodeAux(payload)
	if err != nil {
		return nil, err
	}
	counterSrc := src
	if aux.ExtendedNonce {
		counterSrc = aux.SrcIEEE
	}
	if last, seen := m.incoming[counterSrc]; seen && aux.Counter <= last {
		m.log.Warn("replayed frame rejected", "src", counterSrc, "counter", aux.Counter, "last", last)
		return nil, fmt.Errorf("%w: counter %d after %d from %v", ErrReplay, aux.Counter, last, counterSrc)
	}

	pt, aux, err := m.open(header, payload, src)
	if err != nil {
		return nil, err
	}
	m.incoming[counterSrc] = aux.Counter
	return pt, nil
}

// SecureAPS secures an APS payload, normally a key transport command under
// the key-transport key. The aux header carries no extended nonce; the
// receiver derives it from the sender it already knows.
func (m *Manager) SecureAPS(header, plaintext []byte, keyID uint8) ([]byte, error) {
	m.apsOutgoing++
	aux := &frame.AuxHeader{KeyID: keyID, Counter: m.apsOutgoing}
	if keyID == frame.KeyIDNetwork {
		aux.KeySeq = m.active.Seq
	}
	key, err := m.keyFor(aux)
	if err != nil {
		return nil, err
	}
	return m.seal(aux, key, header, plaintext), nil
}

// OpenAPS verifies and decrypts an APS-secured payload. Replay protection
// for normal traffic lives at the network layer; APS security only wraps
// the key handshake.
func (m *Manager) OpenAPS(header, payload []byte, src frame.IEEEAddr) ([]byte, error) {
	pt, _, err := m.open(header, payload, src)
	return pt, err
}

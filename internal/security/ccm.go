package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// NonceSize is the CCM* nonce length with a 2-byte message length field.
const NonceSize = 13

func newAES(key [16]byte) cipher.Block {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // 16-byte key, cannot happen
	}
	return block
}

// cbcMAC is the CBC-MAC used by CCM* for the integrity transform. Partial
// blocks are zero padded when flushed.
type cbcMAC struct {
	block cipher.Block
	state [16]byte
	buf   [16]byte
	n     int
}

func (m *cbcMAC) write(p []byte) {
	for len(p) > 0 {
		c := copy(m.buf[m.n:], p)
		m.n += c
		p = p[c:]
		if m.n == 16 {
			m.flushBlock()
		}
	}
}

// pad closes the current section: a partial block is zero filled and
// chained in.
func (m *cbcMAC) pad() {
	if m.n > 0 {
		for i := m.n; i < 16; i++ {
			m.buf[i] = 0
		}
		m.flushBlock()
	}
}

func (m *cbcMAC) flushBlock() {
	for i := range m.state {
		m.state[i] ^= m.buf[i]
	}
	m.block.Encrypt(m.state[:], m.state[:])
	m.n = 0
}

// ccmTag computes the full 16-byte CCM* integrity value; the transform
// uses its first micLen bytes.
func ccmTag(block cipher.Block, nonce [NonceSize]byte, plaintext, aad []byte, micLen int) [16]byte {
	var b0 [16]byte
	b0[0] = 1 // L-1 for the 2-byte length field
	if len(aad) > 0 {
		b0[0] |= 1 << 6
	}
	if micLen > 0 {
		b0[0] |= byte((micLen-2)/2) << 3
	}
	copy(b0[1:14], nonce[:])
	b0[14] = byte(len(plaintext) >> 8)
	b0[15] = byte(len(plaintext))

	mac := &cbcMAC{block: block}
	mac.write(b0[:])
	if len(aad) > 0 {
		// frames never get close to the 0xFF00 long-form threshold
		mac.write([]byte{byte(len(aad) >> 8), byte(len(aad))})
		mac.write(aad)
		mac.pad()
	}
	mac.write(plaintext)
	mac.pad()
	return mac.state
}

// xorKeystream applies the CCM* CTR keystream to data, starting at the
// given block counter. Block 0 masks the integrity code, the message
// starts at block 1.
func xorKeystream(block cipher.Block, nonce [NonceSize]byte, counter uint16, data []byte) {
	var a, s [16]byte
	a[0] = 1 // L-1
	copy(a[1:14], nonce[:])
	for off := 0; off < len(data); off += 16 {
		a[14] = byte(counter >> 8)
		a[15] = byte(counter)
		block.Encrypt(s[:], a[:])
		for i := off; i < len(data) && i < off+16; i++ {
			data[i] ^= s[i-off]
		}
		counter++
	}
}

// ccmEncrypt seals plaintext with AES-CCM* and appends the micLen-byte
// integrity code.
func ccmEncrypt(key [16]byte, nonce [NonceSize]byte, plaintext, aad []byte, micLen int) []byte {
	block := newAES(key)
	tag := ccmTag(block, nonce, plaintext, aad, micLen)

	out := make([]byte, len(plaintext)+micLen)
	copy(out, plaintext)
	xorKeystream(block, nonce, 1, out[:len(plaintext)])
	copy(out[len(plaintext):], tag[:micLen])
	xorKeystream(block, nonce, 0, out[len(plaintext):])
	return out
}

// ccmDecrypt opens a sealed payload, verifying the integrity code in
// constant time. On failure it returns ErrAuthentication.
func ccmDecrypt(key [16]byte, nonce [NonceSize]byte, ciphertext, aad []byte, micLen int) ([]byte, error) {
	if len(ciphertext) < micLen {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a %d-byte integrity code", ErrAuthentication, len(ciphertext), micLen)
	}
	block := newAES(key)

	msgLen := len(ciphertext) - micLen
	plaintext := make([]byte, msgLen)
	copy(plaintext, ciphertext[:msgLen])
	xorKeystream(block, nonce, 1, plaintext)

	got := make([]byte, micLen)
	copy(got, ciphertext[msgLen:])
	xorKeystream(block, nonce, 0, got)

	want := ccmTag(block, nonce, plaintext, aad, micLen)
	if subtle.ConstantTimeCompare(got, want[:micLen]) != 1 {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

package security

import "crypto/aes"

// mmoHash is the Matyas-Meyer-Oseas hash over AES-128: each block is
// encrypted under the running digest and folded back in with XOR. The
// padding appends a 1 bit and the message bit length, 16-bit for short
// messages and 32-bit beyond that.
func mmoHash(data []byte) [16]byte {
	bits := uint64(len(data)) * 8
	buf := make([]byte, 0, len(data)+32)
	buf = append(buf, data...)
	buf = append(buf, 0x80)
	if bits < 1<<16 {
		for len(buf)%16 != 14 {
			buf = append(buf, 0)
		}
		buf = append(buf, byte(bits>>8), byte(bits))
	} else {
		for len(buf)%16 != 11 {
			buf = append(buf, 0)
		}
		buf = append(buf, byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits), 0)
	}

	var h [16]byte
	var out [16]byte
	for i := 0; i < len(buf); i += 16 {
		block, err := aes.NewCipher(h[:])
		if err != nil {
			panic(err) // 16-byte key, cannot happen
		}
		block.Encrypt(out[:], buf[i:i+16])
		for j := range h {
			h[j] = out[j] ^ buf[i+j]
		}
	}
	return h
}

// hmacMMO is HMAC with mmoHash as the underlying hash, block size 16.
// Zigbee derives its key-protection keys with it.
func hmacMMO(key [16]byte, data []byte) [16]byte {
	var ipad, opad [16]byte
	for i := range key {
		ipad[i] = key[i] ^ 0x36
		opad[i] = key[i] ^ 0x5C
	}
	inner := mmoHash(append(ipad[:], data...))
	return mmoHash(append(opad[:], inner[:]...))
}

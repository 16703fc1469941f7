package security

// Key is a 128-bit symmetric key.
type Key = [16]byte

// WellKnownLinkKey is the default trust center link key every certified
// device ships with ("ZigBeeAlliance09"). Commissioning runs over it
// unless an install code replaces it.
var WellKnownLinkKey = Key{
	0x5A, 0x69, 0x67, 0x42, 0x65, 0x65, 0x41, 0x6C,
	0x6C, 0x69, 0x61, 0x6E, 0x63, 0x65, 0x30, 0x39,
}

// Derivation inputs for the key-protection keys (Zigbee spec 4.5.3).
var (
	keyTransportInput = []byte{0x00}
	keyLoadInput      = []byte{0x02}
)

// DeriveKeyTransportKey derives the key that protects transported keys
// from a link key.
func DeriveKeyTransportKey(link Key) Key {
	return hmacMMO(link, keyTransportInput)
}

// DeriveKeyLoadKey derives the key that protects key-load messages from a
// link key.
func DeriveKeyLoadKey(link Key) Key {
	return hmacMMO(link, keyLoadInput)
}

// HashKey exposes the MMO hash for install code verification.
func HashKey(data []byte) Key {
	return mmoHash(data)
}

// KeySlot pairs a network key with its sequence number. Devices select the
// inbound key by the sequence number carried in the aux header.
type KeySlot struct {
	Key Key
	Seq uint8
}

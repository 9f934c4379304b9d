// Package deviceid implements the identity and key derivation scheme
// shared by every device enrolled on a serial bus: a 128-bit device id
// rendered in its 32-character lowercase-hex simple form, and the raw
// ASCII bytes of that form used directly as the AES-256/HMAC-SHA256 key
// material for everything the device sends once enrolled.
package deviceid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// KeyLen is the length in bytes of a DeviceKey: the simple-form hex
// string of a DeviceId is always 32 ASCII characters.
const KeyLen = 32

// ID is a device identity. The zero value is the nil id, which an
// unenrolled device sends in its enrollment request; use New or Parse
// for any other id.
type ID struct {
	uuid uuid.UUID
}

// New generates a fresh v4 device id.
func New() ID {
	return ID{uuid: uuid.New()}
}

// Parse reads a device id from its 32-character simple hex form (no
// dashes). It also accepts the standard dashed UUID form for
// convenience when reading ids back out of config or logs.
func Parse(s string) (ID, error) {
	if len(s) == 32 {
		decoded, err := hex.DecodeString(s)
		if err != nil || len(decoded) != 16 {
			return ID{}, fmt.Errorf("deviceid: invalid simple form %q", s)
		}
		var u uuid.UUID
		copy(u[:], decoded)
		return ID{uuid: u}, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("deviceid: %w", err)
	}
	return ID{uuid: u}, nil
}

// Simple returns the canonical 32-character lowercase-hex form with no
// dashes, e.g. "f47ac10b58cc4372a5670e02b2c3d479".
func (id ID) Simple() string {
	return hex.EncodeToString(id.uuid[:])
}

// String implements fmt.Stringer using the simple form.
func (id ID) String() string {
	return id.Simple()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.uuid == uuid.Nil
}

// Equal reports whether two ids identify the same device.
func (id ID) Equal(other ID) bool {
	return id.uuid == other.uuid
}

// Key is the 32-byte shared secret derived from a device id: the ASCII
// bytes of its simple hex form. It doubles as the AES-256 key and the
// HMAC-SHA256 key for that device's traffic.
type Key [KeyLen]byte

// DeriveKey returns the key material for id.
func DeriveKey(id ID) Key {
	var k Key
	copy(k[:], id.Simple())
	return k
}

// Package frame implements the structural layout of an operational-phase
// wire frame: IV(16) || Ciphertext(N) || MAC(32). It knows nothing about
// keys or cryptography; it only slices and reassembles byte layout, the
// way protocol.LoRaMessage.Encode/Decode handle header framing for the
// LoRa wire format.
package frame

import (
	"fmt"

	"github.com/rustythermostat/sensor-gateway/internal/seccrypto"
)

// Frame is a parsed operational-phase wire frame.
type Frame struct {
	IV         [seccrypto.IVSize]byte
	Ciphertext []byte
	MAC        [seccrypto.MACSize]byte
}

// New assembles a frame from its three parts.
func New(iv [seccrypto.IVSize]byte, ciphertext []byte, mac [seccrypto.MACSize]byte) Frame {
	return Frame{IV: iv, Ciphertext: ciphertext, MAC: mac}
}

// Encode serializes f back to IV‖ciphertext‖MAC.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, len(f.IV)+len(f.Ciphertext)+len(f.MAC))
	out = append(out, f.IV[:]...)
	out = append(out, f.Ciphertext...)
	out = append(out, f.MAC[:]...)
	return out
}

// overhead is the fixed IV+MAC byte cost every frame pays regardless of
// ciphertext length.
const overhead = seccrypto.IVSize + seccrypto.MACSize

// minLen is the smallest legal frame: the 48-byte overhead plus one
// full AES block of ciphertext.
const minLen = overhead + 16

// Decode splits a raw byte slice into its IV, ciphertext, and MAC
// components. It does not verify the MAC; that is seccrypto.Verify's
// job. Too-short input and misaligned ciphertext are rejected here,
// before any cryptography runs.
func Decode(b []byte) (Frame, error) {
	if len(b) < minLen {
		return Frame{}, fmt.Errorf("frame: too short: %d bytes, need at least %d", len(b), minLen)
	}
	if (len(b)-overhead)%16 != 0 {
		return Frame{}, fmt.Errorf("frame: ciphertext length %d is not a multiple of 16", len(b)-overhead)
	}

	var f Frame
	copy(f.IV[:], b[:seccrypto.IVSize])
	f.Ciphertext = append([]byte(nil), b[seccrypto.IVSize:len(b)-seccrypto.MACSize]...)
	copy(f.MAC[:], b[len(b)-seccrypto.MACSize:])
	return f, nil
}

// Package seccrypto provides the cryptographic primitives for the
// operational phase of the wire protocol: AES-256-CBC with PKCS#7
// padding under a random 16-byte IV, and HMAC-SHA256 over the
// ciphertext alone (the IV travels unauthenticated, as on the original
// wire format). The same 32-byte device key feeds both primitives; the
// wire discipline is encrypt-then-MAC, and callers must Verify before
// they Decrypt.
package seccrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
)

// IVSize is the AES block size and therefore the IV size for CBC mode.
const IVSize = aes.BlockSize

// MACSize is the size of an HMAC-SHA256 tag.
const MACSize = sha256.Size

// NewIV draws a fresh random IV from the system entropy source.
func NewIV() ([IVSize]byte, error) {
	var iv [IVSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return iv, fmt.Errorf("seccrypto: read iv: %w", err)
	}
	return iv, nil
}

// Encrypt pads plaintext to a whole number of AES blocks and encrypts
// it under key and iv. Plaintext length is unrestricted.
func Encrypt(key deviceid.Key, iv [IVSize]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("seccrypto: new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt. It fails on misaligned input or invalid
// padding. Callers must have verified the MAC first; Decrypt itself
// performs no authentication.
func Decrypt(key deviceid.Key, iv [IVSize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("seccrypto: ciphertext not block-aligned: %d bytes", len(ciphertext))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("seccrypto: new cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("seccrypto: %w", err)
	}
	return plaintext, nil
}

// MAC computes HMAC-SHA256(key, ciphertext).
func MAC(key deviceid.Key, ciphertext []byte) [MACSize]byte {
	h := hmac.New(sha256.New, key[:])
	h.Write(ciphertext)
	var tag [MACSize]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// Verify reports whether tag authenticates ciphertext under key, in
// constant time.
func Verify(key deviceid.Key, ciphertext, tag []byte) bool {
	want := MAC(key, ciphertext)
	return hmac.Equal(tag, want[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length: %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid pkcs7 padding: %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid pkcs7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

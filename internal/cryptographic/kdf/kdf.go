package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Subkey derives a 32-byte key bound to purpose from a thread session key,
// so one thread key never encrypts two kinds of payload directly.
func Subkey(secret *[32]byte, purpose string) (*[32]byte, error) {
	var out [32]byte
	if _, err := HKDF(secret[:], nil, []byte(purpose), out[:]); err != nil {
		return nil, err
	}
	return &out, nil
}

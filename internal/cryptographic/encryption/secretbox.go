package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24

	// Algorithm is recorded in message metadata next to the nonce.
	Algorithm = "xsalsa20_poly1305"
)

var ErrOpen = errors.New("secretbox: message authentication failed")

type (
	Key   = [KeySize]byte
	Nonce = [NonceSize]byte
)

// Seal encrypts plaintext under a thread session key. The nonce is returned
// separately so it can be stored next to the ciphertext.
func Seal(key *Key, plaintext []byte) ([]byte, *Nonce, error) {
	if key == nil {
		return nil, nil, errors.New("secretbox: nil key")
	}
	var nonce Nonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return secretbox.Seal(nil, plaintext, &nonce, key), &nonce, nil
}

func Open(key *Key, ciphertext []byte, nonce *Nonce) ([]byte, error) {
	if key == nil || nonce == nil {
		return nil, errors.New("secretbox: nil key or nonce")
	}
	if len(ciphertext) < secretbox.Overhead {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, ok := secretbox.Open(nil, ciphertext, nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

// NonceFromBytes validates the length of a stored nonce.
func NonceFromBytes(b []byte) (*Nonce, error) {
	if len(b) != NonceSize {
		return nil, fmt.Errorf("secretbox: nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	var n Nonce
	copy(n[:], b)
	return &n, nil
}

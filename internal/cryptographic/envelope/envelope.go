// Package envelope implements the at-rest storage envelope: an AES-256-GCM
// sealed payload prefixed with a fixed magic tag, the random IV and the
// authentication tag.
//
//	offset 0   : 4 bytes  magic tag
//	offset 4   : 12 bytes IV
//	offset 16  : 16 bytes authentication tag
//	offset 32..: ciphertext (same length as the plaintext)
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	Algorithm     = "AES-256-GCM"
	FormatVersion = "1"

	KeySize    = 32
	MagicSize  = 4
	IVSize     = 12
	TagSize    = 16
	HeaderSize = MagicSize + IVSize + TagSize
)

// Magic identifies version 1 of the blob payload format.
var Magic = [MagicSize]byte{'E', 'B', 'P', '1'}

var (
	// ErrNotEncrypted is returned by Decrypt when the buffer does not carry the
	// envelope header. It is a format condition, never a tamper signal.
	ErrNotEncrypted = errors.New("envelope: payload is not encrypted (missing magic header)")

	// ErrAuthentication means the tag did not verify: wrong key, wrong
	// associated data or a modified payload.
	ErrAuthentication = errors.New("envelope: authentication failed")
)

type (
	// Key is a 32-byte AES-256 key.
	Key [KeySize]byte

	// Meta is stored alongside the payload (object metadata, a DB column),
	// never inside it.
	Meta struct {
		Alg         string `json:"alg" bson:"alg"`
		V           string `json:"v" bson:"v"`
		IV          string `json:"iv" bson:"iv"`
		Tag         string `json:"tag" bson:"tag"`
		ContentType string `json:"ct,omitempty" bson:"ct,omitempty"`
	}

	Options struct {
		AssociatedData []byte
		ContentType    string
	}

	Sealed struct {
		Payload []byte
		Meta    Meta
	}
)

// IsEnvelope reports whether buf is long enough to hold the header and starts
// with the magic tag. It must be checked before any decrypt attempt.
func IsEnvelope(buf []byte) bool {
	return len(buf) >= HeaderSize && bytes.Equal(buf[:MagicSize], Magic[:])
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext []byte, key *Key, opts Options) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("rand.Read iv: %w", err)
	}

	// Seal returns ciphertext || tag; the wire format wants the tag first.
	sealed := aead.Seal(nil, iv, plaintext, opts.AssociatedData)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	payload := make([]byte, 0, HeaderSize+len(ct))
	payload = append(payload, Magic[:]...)
	payload = append(payload, iv...)
	payload = append(payload, tag...)
	payload = append(payload, ct...)

	return &Sealed{
		Payload: payload,
		Meta: Meta{
			Alg:         Algorithm,
			V:           FormatVersion,
			IV:          base64.StdEncoding.EncodeToString(iv),
			Tag:         base64.StdEncoding.EncodeToString(tag),
			ContentType: opts.ContentType,
		},
	}, nil
}

// Decrypt opens an envelope produced by Encrypt. associatedData must match
// the value bound at encryption time.
func Decrypt(payload []byte, key *Key, associatedData []byte) ([]byte, error) {
	if !IsEnvelope(payload) {
		return nil, ErrNotEncrypted
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := payload[MagicSize : MagicSize+IVSize]
	tag := payload[MagicSize+IVSize : HeaderSize]
	ct := payload[HeaderSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, iv, sealed, associatedData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	if key == nil {
		return nil, errors.New("envelope: nil key")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

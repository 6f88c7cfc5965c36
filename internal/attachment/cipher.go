// Package attachment encrypts attachments under the thread session key
// before upload and decrypts them on demand for display.
package attachment

import (
	"errors"
	"fmt"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/kdf"
	"sealed_chat/internal/keystore"
)

const subkeyPurpose = "sealed_chat/attachment/v1"

var (
	// ErrSessionNotReady means the thread key is not usable yet. Nothing is
	// recorded for the attachment, so a later call may succeed.
	ErrSessionNotReady = errors.New("attachment: session key not ready")

	// ErrDecryptFailed is sticky: the attachment is not retried automatically.
	ErrDecryptFailed = errors.New("attachment: decrypt failed")
)

// Sealed is what goes to the object store. Nonce must be stored next to the
// uploaded object (message metadata), it is not embedded in Ciphertext.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// PrepareUpload encrypts plaintext for upload.
func PrepareUpload(threadKey *keystore.Key, plaintext []byte) (*Sealed, error) {
	if threadKey == nil {
		return nil, ErrSessionNotReady
	}
	key, err := kdf.Subkey(threadKey, subkeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive attachment key: %w", err)
	}
	ct, nonce, err := encryption.Seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &Sealed{Ciphertext: ct, Nonce: nonce[:]}, nil
}

// Open reverses PrepareUpload. Any failure wraps ErrDecryptFailed.
func Open(threadKey *keystore.Key, ciphertext, nonce []byte) ([]byte, error) {
	if threadKey == nil {
		return nil, ErrSessionNotReady
	}
	n, err := encryption.NonceFromBytes(nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	key, err := kdf.Subkey(threadKey, subkeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive attachment key: %w", err)
	}
	plain, err := encryption.Open(key, ciphertext, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plain, nil
}

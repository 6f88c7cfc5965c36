package app

import (
	"encoding/base64"
	"errors"
	"strings"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/kdf"
	"sealed_chat/internal/keystore"
)

const (
	textPurpose = "sealed_chat/text/v1"

	attachmentPrefix = "attachment:"
)

var errKeyMissing = errors.New("thread key missing")

func sealText(key *keystore.Key, text string) ([]byte, *encryption.Nonce, error) {
	sub, err := kdf.Subkey(key, textPurpose)
	if err != nil {
		return nil, nil, err
	}
	return encryption.Seal(sub, []byte(text))
}

func openText(key *keystore.Key, ciphertext, nonce []byte) (string, error) {
	n, err := encryption.NonceFromBytes(nonce)
	if err != nil {
		return "", err
	}
	sub, err := kdf.Subkey(key, textPurpose)
	if err != nil {
		return "", err
	}
	plain, err := encryption.Open(sub, ciphertext, n)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// attachmentRef is carried inside a sealed text message. The nonce is needed
// to open the object fetched from the relay.
type attachmentRef struct {
	ID    string
	Nonce []byte
}

func (r attachmentRef) String() string {
	return attachmentPrefix + r.ID + ":" + base64.RawURLEncoding.EncodeToString(r.Nonce)
}

func parseAttachmentRef(text string) (attachmentRef, bool) {
	rest, ok := strings.CutPrefix(text, attachmentPrefix)
	if !ok {
		return attachmentRef{}, false
	}
	id, enc, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return attachmentRef{}, false
	}
	nonce, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(nonce) != encryption.NonceSize {
		return attachmentRef{}, false
	}
	return attachmentRef{ID: id, Nonce: nonce}, true
}

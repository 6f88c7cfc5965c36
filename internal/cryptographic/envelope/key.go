package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyFormatError describes a key string that could not be turned into a
// 32-byte key. Encoding is "hex", "base64" or empty when nothing was given.
type KeyFormatError struct {
	Encoding string
	Length   int
	Reason   string
}

func (e *KeyFormatError) Error() string {
	if e.Reason != "" {
		return "envelope key: " + e.Reason
	}
	return fmt.Sprintf("envelope key: %s must decode to %d bytes, got %d", e.Encoding, KeySize, e.Length)
}

// ParseKey accepts a hex string (even length, [0-9a-fA-F]+) or base64 and
// requires exactly 32 decoded bytes. Nothing is truncated or padded.
func ParseKey(raw string) (*Key, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &KeyFormatError{Reason: "key is empty"}
	}

	if isHex(s) && len(s)%2 == 0 {
		buf, err := hex.DecodeString(s)
		if err != nil {
			return nil, &KeyFormatError{Encoding: "hex", Reason: "invalid hex"}
		}
		return toKey(buf, "hex")
	}

	buf, err := decodeBase64(s)
	if err != nil {
		return nil, &KeyFormatError{Encoding: "base64", Reason: "key must be hex or base64"}
	}
	return toKey(buf, "base64")
}

func toKey(buf []byte, encoding string) (*Key, error) {
	if len(buf) != KeySize {
		return nil, &KeyFormatError{Encoding: encoding, Length: len(buf)}
	}
	var k Key
	copy(k[:], buf)
	return &k, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		buf, err := enc.DecodeString(s)
		if err == nil {
			return buf, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

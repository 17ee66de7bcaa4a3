package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Key: 16-byte shared secret, provisioned out of band.
type Key []byte

// GenerateKey returns a new random 128-bit key.
func GenerateKey() (Key, error) {
	k := make(Key, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

// ParseKey decodes hex (opt 0x prefix, spaces ignored) into a 16-byte key.
func ParseKey(s string) (Key, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not hex: %w", err)
	}
	if len(b) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	return Key(b), nil
}

// Hex returns the key as lowercase hex.
func (k Key) Hex() string {
	return hex.EncodeToString(k)
}

// String redacts; use Hex to export.
func (k Key) String() string {
	return fmt.Sprintf("Key(%d bytes)", len(k))
}

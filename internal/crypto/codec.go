package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// ModeCBC: AES-128-CBC frames, no integrity (default wire format).
	ModeCBC = "cbc"
	// ModeSealed: ChaCha20-Poly1305 frames, tamper detected. Both peers must opt in.
	ModeSealed = "sealed"
)

// NonceSize for sealed frames.
const NonceSize = chacha20poly1305.NonceSize

var ErrAuthFailed = errors.New("crypto: message authentication failed")

const sealedInfo = "shadownet sealed v1"

// Codec seals/opens frames under a bound key.
type Codec interface {
	Seal(plaintext []byte) (Frame, error)
	Open(frame Frame) ([]byte, error)
	Mode() string
}

// NewCodec returns codec for mode ("" = cbc).
func NewCodec(mode string, key Key) (Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	switch mode {
	case "", ModeCBC:
		return &cbcCodec{key: append(Key(nil), key...)}, nil
	case ModeSealed:
		return newSealedCodec(key)
	default:
		return nil, fmt.Errorf("crypto: unknown mode %q", mode)
	}
}

type cbcCodec struct {
	key Key
}

func (c *cbcCodec) Seal(plaintext []byte) (Frame, error) { return Encrypt(plaintext, c.key) }
func (c *cbcCodec) Open(frame Frame) ([]byte, error)     { return Decrypt(frame, c.key) }
func (c *cbcCodec) Mode() string                         { return ModeCBC }

// sealedCodec: nonce(12) || ct+tag under a 32-byte ChaCha20-Poly1305 key.
// Frames key it with HKDF-SHA256(shared key); envelopes with the KEM secret.
type sealedCodec struct {
	aead cipher.AEAD
}

func newSealedCodec(key Key) (*sealedCodec, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(sealedInfo)), k); err != nil {
		return nil, err
	}
	return sealerFor(k)
}

func sealerFor(k []byte) (*sealedCodec, error) {
	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, err
	}
	return &sealedCodec{aead: aead}, nil
}

func (c *sealedCodec) Seal(plaintext []byte) (Frame, error) {
	frame := make(Frame, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, frame); err != nil {
		return nil, err
	}
	return c.aead.Seal(frame, frame, plaintext, nil), nil
}

func (c *sealedCodec) Open(frame Frame) ([]byte, error) {
	if len(frame) < NonceSize+c.aead.Overhead() {
		return nil, ErrFrameTooShort
	}
	pt, err := c.aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func (c *sealedCodec) Mode() string { return ModeSealed }

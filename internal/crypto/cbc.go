// Package crypto: dispatch frame codec (AES-128-CBC, opt sealed mode) + key envelope.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"
)

const (
	// KeySize shared dispatch key (AES-128).
	KeySize = 16
	// IVSize leading IV in every cbc frame.
	IVSize = aes.BlockSize
	// MinFrameSize IV + one cipher block.
	MinFrameSize = IVSize + aes.BlockSize
)

var (
	ErrInvalidKeyLength = errors.New("crypto: key must be 16 bytes")
	ErrFrameTooShort    = errors.New("crypto: frame too short")
	ErrPaddingInvalid   = errors.New("crypto: invalid padding")
)

// Frame: IV || Ciphertext, opaque without the key.
type Frame []byte

// IV returns the leading IV (nil if frame is short).
func (f Frame) IV() []byte {
	if len(f) < IVSize {
		return nil
	}
	return f[:IVSize]
}

// Encrypt pads plaintext (PKCS#7) and encrypts it under key with a fresh random IV.
func Encrypt(plaintext []byte, key Key) (Frame, error) {
	return encryptWith(rand.Reader, plaintext, key)
}

func encryptWith(entropy io.Reader, plaintext []byte, key Key) (Frame, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, aes.BlockSize)
	frame := make([]byte, IVSize+len(padded))
	iv := frame[:IVSize]
	if _, err := io.ReadFull(entropy, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(frame[IVSize:], padded)
	return frame, nil
}

// Decrypt splits IV, decrypts CBC, strips padding. No integrity check: garbage may decrypt.
func Decrypt(frame Frame, key Key) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(frame) < MinFrameSize {
		return nil, ErrFrameTooShort
	}
	ct := frame[IVSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrPaddingInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, frame[:IVSize]).CryptBlocks(out, ct)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrPaddingInvalid
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrPaddingInvalid
	}
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return nil, ErrPaddingInvalid
	}
	return b[:len(b)-n], nil
}

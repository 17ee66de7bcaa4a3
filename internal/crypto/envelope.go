package crypto

import (
	"errors"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KEMCiphertextSize ML-KEM-768 ciphertext at the head of an envelope.
	KEMCiphertextSize = 1088
	// EnvelopeSize kem ct + nonce + sealed 16-byte key + tag.
	EnvelopeSize = KEMCiphertextSize + NonceSize + KeySize + chacha20poly1305.Overhead
)

var ErrInvalidEnvelope = errors.New("crypto: invalid key envelope")

// GenerateEnvelopeKeyPair ML-KEM-768 pair for key provisioning: enc key (public, 1184 bytes) + decap seed (private, 64 bytes).
func GenerateEnvelopeKeyPair() (enc []byte, seed []byte, err error) {
	decap, err := mlkem768.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return decap.EncapsulationKey(), decap.Bytes(), nil
}

// WrapKey encapsulates to enc and seals key under the KEM shared secret.
func WrapKey(enc []byte, key Key) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	ciphertext, secret, err := mlkem768.Encapsulate(enc)
	if err != nil {
		return nil, err
	}
	sealer, err := sealerFor(secret)
	if err != nil {
		return nil, err
	}
	sealed, err := sealer.Seal(key)
	if err != nil {
		return nil, err
	}
	return append(ciphertext, sealed...), nil
}

// UnwrapKey recovers key from envelope with the decap seed.
func UnwrapKey(seed []byte, envelope []byte) (Key, error) {
	if len(envelope) != EnvelopeSize {
		return nil, ErrInvalidEnvelope
	}
	decap, err := mlkem768.NewKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	secret, err := mlkem768.Decapsulate(decap, envelope[:KEMCiphertextSize])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	sealer, err := sealerFor(secret)
	if err != nil {
		return nil, err
	}
	key, err := sealer.Open(envelope[KEMCiphertextSize:])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return Key(key), nil
}

package crypto

import (
	"testing"

	"filippo.io/mlkem768"
	"github.com/stretchr/testify/require"
)

func TestKeyEnvelopeRoundTrip(t *testing.T) {
	enc, seed, err := GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	require.Len(t, enc, 1184)
	require.Len(t, seed, 64)

	env, err := WrapKey(enc, testKey)
	require.NoError(t, err)
	require.Len(t, env, EnvelopeSize)

	got, err := UnwrapKey(seed, env)
	require.NoError(t, err)
	require.Equal(t, testKey, got)
}

func TestKeyEnvelopeRejects(t *testing.T) {
	enc, seed, err := GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	env, err := WrapKey(enc, testKey)
	require.NoError(t, err)

	_, err = UnwrapKey(seed, env[:len(env)-1])
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	tampered := append([]byte(nil), env...)
	tampered[len(tampered)-1] ^= 0x80
	_, err = UnwrapKey(seed, tampered)
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	_, otherSeed, err := GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	_, err = UnwrapKey(otherSeed, env)
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = WrapKey(enc, testKey[:4])
	require.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestEnvelopeSealsUnderSecret(t *testing.T) {
	enc, seed, err := GenerateEnvelopeKeyPair()
	require.NoError(t, err)
	env, err := WrapKey(enc, testKey)
	require.NoError(t, err)

	decap, err := mlkem768.NewKeyFromSeed(seed)
	require.NoError(t, err)
	secret, err := mlkem768.Decapsulate(decap, env[:KEMCiphertextSize])
	require.NoError(t, err)
	sealer, err := sealerFor(secret)
	require.NoError(t, err)
	key, err := sealer.Open(env[KEMCiphertextSize:])
	require.NoError(t, err)
	require.Equal(t, []byte(testKey), key)

	_, err = sealerFor(secret[:KeySize])
	require.Error(t, err, "the envelope AEAD needs a 32-byte key")
}

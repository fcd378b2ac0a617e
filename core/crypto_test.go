package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMPIRoundTrip(t *testing.T) {
	n := big.NewInt(0).SetBytes([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	encoded := EncodeMPI(n)
	decoded, rest, err := DecodeMPI(encoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, 0, n.Cmp(decoded))
}

func TestDecodeMPITruncatedMagnitude(t *testing.T) {
	n := big.NewInt(0).SetBytes([]byte{0x01, 0x02, 0x03, 0x04})
	encoded := EncodeMPI(n)
	_, _, err := DecodeMPI(encoded[:len(encoded)-1])
	require.Error(t, err)
}

func TestEncryptDecryptBufferRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey('c')
	require.NoError(t, err)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, err := EncryptBuffer('c', key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := DecryptBuffer('c', key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryptDecryptBufferEnterpriseCipher(t *testing.T) {
	key, err := GenerateSessionKey('e')
	require.NoError(t, err)
	require.Len(t, key, 32)

	plaintext := []byte("enterprise payload")
	ciphertext, err := EncryptBuffer('e', key, plaintext)
	require.NoError(t, err)
	decrypted, err := DecryptBuffer('e', key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestGenerateKeyPairUsesFixedExponent(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Equal(t, rsaPublicExponent, priv.PublicKey.E)
	require.NoError(t, priv.Validate())
}

func TestIdentityDigestStableForSameKey(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	d1 := IdentityDigest(&priv.PublicKey)
	d2 := IdentityDigest(&priv.PublicKey)
	require.Equal(t, d1, d2)
	require.Len(t, d1, 64) // hex-encoded SHA-256
}

func TestEncryptDecryptRSARoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	challenge, err := RandomChallenge(32)
	require.NoError(t, err)

	ciphertext, err := EncryptRSA(&priv.PublicKey, challenge)
	require.NoError(t, err)
	decrypted, err := DecryptRSA(priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, challenge, decrypted)
}

func TestDigestChallengeDeterministic(t *testing.T) {
	challenge := []byte("fixed-challenge")
	require.Equal(t, DigestChallenge(challenge), DigestChallenge(challenge))
}

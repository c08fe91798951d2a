package ecies

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("a secret actor credential payload")
	sealed, err := Seal(pair.Public, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := Open(pair.Private, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenFailsWithWrongPrivateKey(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(pair.Public, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(other.Private, sealed)
	require.Error(t, err)
}

func TestEncodeDecodePublicRoundTrips(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := EncodePublic(pair.Public)
	decoded, err := DecodePublic(encoded)
	require.NoError(t, err)
	require.Equal(t, pair.Public.Bytes(), decoded.Bytes())
}

func TestEncodeDecodePrivateRoundTrips(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := EncodePrivate(pair.Private)
	decoded, err := DecodePrivate(encoded)
	require.NoError(t, err)
	require.Equal(t, pair.Private.Bytes(), decoded.Bytes())
}

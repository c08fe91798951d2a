package ks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

func TestNoEncryptionIsPassThrough(t *testing.T) {
	enc := NoEncryption()
	require.False(t, enc.IsEnabled())

	out, err := enc.Encrypt("plaintext-secret")
	require.NoError(t, err)
	require.Equal(t, "plaintext-secret", out)

	back, err := enc.Decrypt(out)
	require.NoError(t, err)
	require.Equal(t, "plaintext-secret", back)
}

func TestFromStringHexKeyEncryptsAndDecrypts(t *testing.T) {
	hexKey, err := GenerateKEK()
	require.NoError(t, err)
	require.Len(t, hexKey, 64)

	enc, err := FromString(hexKey)
	require.NoError(t, err)
	require.True(t, enc.IsEnabled())

	sealed, err := enc.Encrypt("a secret key, base64 encoded")
	require.NoError(t, err)
	require.NotEqual(t, "a secret key, base64 encoded", sealed)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "a secret key, base64 encoded", opened)
}

func TestFromStringRejectsWrongLength(t *testing.T) {
	_, err := FromString("too-short")
	require.Error(t, err)
	require.Equal(t, errkind.Configuration, errkind.Of(err))
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	kekA, err := GenerateKEK()
	require.NoError(t, err)
	kekB, err := GenerateKEK()
	require.NoError(t, err)

	encA, err := FromString(kekA)
	require.NoError(t, err)
	encB, err := FromString(kekB)
	require.NoError(t, err)

	sealed, err := encA.Encrypt("secret")
	require.NoError(t, err)

	_, err = encB.Decrypt(sealed)
	require.Error(t, err)
	require.Equal(t, errkind.Crypto, errkind.Of(err))
}

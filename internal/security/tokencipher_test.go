package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testKey())
	require.NoError(t, err)

	for _, plain := range []string{"", "sq0atp-token", "refresh with spaces and ünïcode"} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, plain, enc)

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		require.Equal(t, plain, dec)
	}
}

func TestTokenCipherNonDeterministic(t *testing.T) {
	c, err := NewTokenCipher(testKey())
	require.NoError(t, err)

	a, _ := c.Encrypt("same token")
	b, _ := c.Encrypt("same token")
	require.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestTokenCipherRejectsBadKey(t *testing.T) {
	_, err := NewTokenCipher("not base64!!!")
	require.Error(t, err)

	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err = NewTokenCipher(short)
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")
}

func TestTokenCipherRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewTokenCipher(testKey())
	require.NoError(t, err)

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = c.Decrypt(base64.RawURLEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = c.Decrypt("AAAA")
	require.Error(t, err, "too short to hold a nonce")

	_, err = c.Decrypt("not base64!!!")
	require.Error(t, err)
}

func TestTokenCipherKeyMismatch(t *testing.T) {
	a, err := NewTokenCipher(testKey())
	require.NoError(t, err)

	otherKey := make([]byte, 32)
	otherKey[0] = 1
	b, err := NewTokenCipher(base64.StdEncoding.EncodeToString(otherKey))
	require.NoError(t, err)

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(enc)
	require.Error(t, err)
}

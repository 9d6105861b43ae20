package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
)

// TokenCipher encrypts OAuth credentials before they are written to storage.
// AES-256-GCM; the wire form is base64url(nonce|ciphertext).
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher expects a base64 std-encoded 32-byte key.
func NewTokenCipher(keyB64 string) (*TokenCipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.New("token key must decode to 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// NewTokenCipherFromEnv reads the key from TOKEN_ENC_KEY_B64.
func NewTokenCipherFromEnv() (*TokenCipher, error) {
	k := os.Getenv("TOKEN_ENC_KEY_B64")
	if k == "" {
		return nil, errors.New("TOKEN_ENC_KEY_B64 not set")
	}
	return NewTokenCipher(k)
}

func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (c *TokenCipher) Decrypt(b64url string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64url)
	if err != nil {
		return "", err
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("ciphertext too short")
	}
	pt, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

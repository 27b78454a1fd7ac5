package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyCipher opens the encrypted key envelope carried by the first QR code.
// The envelope is base64(nonce || ciphertext) sealed with XChaCha20-Poly1305,
// with the session id as associated data so an envelope cannot be replayed
// under another session.
type KeyCipher struct {
	key []byte
}

// NewKeyCipher creates a cipher from a 32-byte key.
func NewKeyCipher(key []byte) (*KeyCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("session encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &KeyCipher{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plaintext for sessionID.
func (c *KeyCipher) Seal(sessionID string, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(sessionID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope sealed for sessionID.
func (c *KeyCipher) Open(sessionID string, envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not base64", ErrInvalidSession)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", ErrInvalidSession)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: envelope authentication failed", ErrInvalidSession)
	}
	return plaintext, nil
}

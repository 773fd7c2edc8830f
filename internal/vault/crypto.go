// Package vault seals provider credentials with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a sealed value so plaintext rows written before a key was
// configured can still be read.
const Prefix = "enc:v1:"

type Keyring struct {
	key []byte
}

// NewKeyring accepts a 32-byte key encoded as hex or base64.
func NewKeyring(encoded string) (*Keyring, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.New("encryption key must be hex or base64")
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Keyring{key: key}, nil
}

// Seal encrypts plaintext. Empty input stays empty.
func (k *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" || k == nil {
		return plaintext, nil
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value; unprefixed values are returned unchanged.
func (k *Keyring) Open(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	if k == nil {
		return "", errors.New("sealed credential found but no encryption key is configured")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", errors.New("decryption failed (wrong key or tampered data)")
	}
	return string(plain), nil
}

func (k *Keyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

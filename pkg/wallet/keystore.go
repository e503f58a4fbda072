package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keystoreKeySize   = 32 // AES-256
	keystoreNonceSize = 12 // GCM nonce
	keystorePrefix    = "ENC[v1]:"
)

var (
	ErrKeystoreKey        = errors.New("wallet: keystore key must be 32 bytes")
	ErrKeystoreCiphertext = errors.New("wallet: invalid keystore ciphertext")
)

// Keystore seals the signing key at rest with AES-256-GCM so the raw hex
// key never has to live in plain environment files.
type Keystore struct {
	key []byte
}

// NewKeystore creates a Keystore over a 32-byte AES key.
func NewKeystore(key []byte) (*Keystore, error) {
	if len(key) != keystoreKeySize {
		return nil, ErrKeystoreKey
	}
	return &Keystore{key: key}, nil
}

// Seal encrypts a hex private key. Output: ENC[v1]:base64(nonce+ciphertext).
func (k *Keystore) Seal(privKeyHex string) (string, error) {
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, keystoreNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(privKeyHex), nil)
	return keystorePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the keystore
// prefix are returned unchanged, so plain keys keep working.
func (k *Keystore) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, keystorePrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, keystorePrefix))
	if err != nil || len(raw) < keystoreNonceSize {
		return "", ErrKeystoreCiphertext
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, raw[:keystoreNonceSize], raw[keystoreNonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("wallet: keystore decrypt: %w", err)
	}
	return string(plain), nil
}

func (k *Keystore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Package vault encrypts private key material at rest.
//
// Ciphertexts are "hex(nonce):hex(tag):hex(ciphertext)" produced by AES-256-GCM with
// a fresh random nonce per call. Stored values without the delimiter are legacy
// plaintext keys and are returned unchanged by Decrypt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
)

const (
	delimiter = ":"
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrMissingMasterKey     = errors.New("vault master key is not configured")
	ErrInvalidMasterKey     = errors.New("vault master key must be 32 bytes (64 hex characters)")
	ErrTamperedOrCorruptKey = fmt.Errorf("%w: tampered or corrupt key", domain.ErrKeyCustody)
)

// Vault is a stateless AES-GCM transform keyed by a process-wide secret.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from the master secret. The secret is either 64 hex
// characters or a raw 32-byte string.
func New(masterKey string) (*Vault, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, ErrMissingMasterKey
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil || len(key) != keySize {
		key = []byte(masterKey)
	}
	if len(key) != keySize {
		return nil, ErrInvalidMasterKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrKeyCustody, err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, delimiter), nil
}

// Decrypt opens a value produced by Encrypt. A value with no delimiter is a
// legacy plaintext key and is returned as is.
func (v *Vault) Decrypt(stored string) (string, error) {
	if IsLegacy(stored) {
		return stored, nil
	}

	parts := strings.Split(stored, delimiter)
	if len(parts) != 3 {
		return "", ErrTamperedOrCorruptKey
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrTamperedOrCorruptKey
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrTamperedOrCorruptKey
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrTamperedOrCorruptKey
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrTamperedOrCorruptKey
	}
	return string(plaintext), nil
}

// Reencrypt upgrades a legacy plaintext value. Encrypted values are returned unchanged.
func (v *Vault) Reencrypt(stored string) (string, bool, error) {
	if !IsLegacy(stored) {
		return stored, false, nil
	}
	enc, err := v.Encrypt(stored)
	if err != nil {
		return "", false, err
	}
	return enc, true, nil
}

// IsLegacy reports whether a stored value predates encryption.
func IsLegacy(stored string) bool {
	return !strings.Contains(stored, delimiter)
}

// GenerateMasterKey returns a random 64-character hex master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Package vault encrypts provider credentials and revert handles at rest.
//
// Ciphertext layout is base64(nonce || ciphertext || tag) using
// ChaCha20-Poly1305 with a 256-bit key and a fresh 96-bit random nonce per
// message. Plaintext credentials exist only in process memory.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyLength is returned when the configured key is not 32 bytes.
	ErrKeyLength = errors.New("vault: encryption key must be 32 bytes")
	// ErrTampered is returned when decryption fails authentication.
	ErrTampered = errors.New("vault: ciphertext failed authentication")
)

// plaintextPrefixes are credential shapes that are known to be plaintext.
// Used by LooksEncrypted to keep the legacy-row migration idempotent.
var plaintextPrefixes = []string{
	"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_", // GitHub tokens
	"xoxb-", "xoxp-", // Slack tokens
	"sr_", // SafeRun API keys
}

// Vault performs AEAD encryption of secrets at rest.
type Vault struct {
	key []byte
}

// New creates a Vault from a base64-encoded 32-byte key. Boot fails closed
// on a missing or short key.
func New(keyB64 string) (*Vault, error) {
	if keyB64 == "" {
		return nil, fmt.Errorf("vault: encryption key not configured")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		// Tolerate urlsafe encoding from older key generators.
		key, err = base64.URLEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("vault: encryption key is not valid base64: %w", err)
		}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext. Empty input round-trips as empty so that nullable
// credential columns stay null-equivalent.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. Tampering or truncation
// yields ErrTampered.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrTampered
	}
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrTampered
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

// LooksEncrypted reports whether a stored value appears to be vault output
// rather than a legacy plaintext credential. Known provider-token prefixes
// are plaintext by definition; everything else must be base64 of at least
// nonce+tag bytes.
func LooksEncrypted(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range plaintextPrefixes {
		if strings.HasPrefix(s, p) {
			return false
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(raw) >= chacha20poly1305.NonceSize+chacha20poly1305.Overhead
}

// GenerateKey returns a fresh base64-encoded 32-byte key, for the keygen
// CLI command.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("vault: keygen: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required size of a vault root key (AES-256).
const KeySize = 32

// Vault errors. Decrypt returns ErrDecryptionFailed for every failure mode
// (wrong key, tampered ciphertext, truncated input) so callers cannot be
// used as a padding/format oracle.
var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Vault encrypts secrets at rest using AES-256-GCM with a versioned keyring.
// Encrypt always uses the newest key; Decrypt selects the key by the version
// stored alongside the ciphertext, so old ciphertexts stay readable after a
// rotation until they are rewritten.
type Vault struct {
	aeads   map[int]cipher.AEAD
	current int
}

// NewVault creates a vault from root keys ordered oldest to newest.
// Key versions are assigned 1..len(keys); the last key becomes the
// encryption key. Every root key must be exactly 32 bytes.
//
// The AEAD key for each version is derived from the root key with
// HKDF-SHA256 so that raw configured key material is never used directly
// as cipher key bytes.
func NewVault(keys [][]byte) (*Vault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one vault key is required")
	}

	v := &Vault{aeads: make(map[int]cipher.AEAD, len(keys))}
	for i, root := range keys {
		version := i + 1
		if len(root) != KeySize {
			return nil, fmt.Errorf("vault key v%d must be exactly %d bytes, got %d", version, KeySize, len(root))
		}

		subkey, err := deriveSubkey(root, fmt.Sprintf("authkit/vault/v%d", version))
		if err != nil {
			return nil, fmt.Errorf("failed to derive key v%d: %w", version, err)
		}

		block, err := aes.NewCipher(subkey)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher for key v%d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM for key v%d: %w", version, err)
		}

		v.aeads[version] = gcm
		v.current = version
	}

	return v, nil
}

// DeriveKey expands a root secret into a purpose-bound 32-byte subkey using
// HKDF-SHA256. Distinct info strings yield independent keys, so the signing
// secret can back multiple HMAC domains without sharing raw key bytes.
func DeriveKey(root []byte, info string) ([]byte, error) {
	return deriveSubkey(root, info)
}

// deriveSubkey expands a root key into a purpose-bound subkey using HKDF-SHA256.
func deriveSubkey(root []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, root, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CurrentKeyVersion returns the version new ciphertexts are encrypted under.
func (v *Vault) CurrentKeyVersion() int {
	return v.current
}

// Encrypt seals plaintext under the newest key and returns the
// base64-encoded ciphertext plus the key version that produced it.
// A fresh random nonce is generated per call and prepended to the sealed
// box, giving the storage format [nonce][ciphertext+tag].
func (v *Vault) Encrypt(plaintext string) (string, int, error) {
	gcm := v.aeads[v.current]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", 0, fmt.Errorf("%w: nonce generation: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), v.current, nil
}

// Decrypt opens a base64-encoded ciphertext produced by the key with the
// given version. All failures collapse into ErrDecryptionFailed.
func (v *Vault) Decrypt(encoded string, keyVersion int) (string, error) {
	gcm, ok := v.aeads[keyVersion]
	if !ok {
		return "", ErrDecryptionFailed
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte vault root key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded vault root key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a vault root key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

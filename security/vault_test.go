package security

import (
	"errors"
	"strings"
	"testing"
)

func testKeys(t *testing.T, n int) [][]byte {
	t.Helper()
	keys := make([][]byte, n)
	for i := range keys {
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys[i] = key
	}
	return keys
}

func TestNewVault_Validation(t *testing.T) {
	if _, err := NewVault(nil); err == nil {
		t.Error("expected error for empty keyring")
	}
	if _, err := NewVault([][]byte{[]byte("short")}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := NewVault(testKeys(t, 1))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	plaintexts := []string{
		"",
		"a",
		"ya29.a0AfH6SMBx-access-token",
		strings.Repeat("long-refresh-token-", 100),
	}

	for _, p := range plaintexts {
		ciphertext, version, err := v.Encrypt(p)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", p, err)
		}
		if version != 1 {
			t.Errorf("key version = %d, want 1", version)
		}

		got, err := v.Decrypt(ciphertext, version)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != p {
			t.Errorf("round trip = %q, want %q", got, p)
		}
	}
}

func TestVault_NonceUniqueness(t *testing.T) {
	v, err := NewVault(testKeys(t, 1))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	a, _, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, _, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestVault_TamperDetection(t *testing.T) {
	v, err := NewVault(testKeys(t, 1))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	ciphertext, version, err := v.Encrypt("secret token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip one character at every position; decryption must always fail
	// with the uniform error, never yield a different plaintext.
	for i := 0; i < len(ciphertext); i++ {
		tampered := []byte(ciphertext)
		if tampered[i] == 'A' {
			tampered[i] = 'B'
		} else {
			tampered[i] = 'A'
		}

		got, err := v.Decrypt(string(tampered), version)
		if err == nil {
			if got != "secret token" {
				t.Fatalf("tampering at %d produced different plaintext %q", i, got)
			}
			// Base64 aliasing can decode to the same bytes; that is
			// not a tamper.
			continue
		}
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("tampering at %d: error = %v, want ErrDecryptionFailed", i, err)
		}
	}
}

func TestVault_UniformFailures(t *testing.T) {
	v, err := NewVault(testKeys(t, 1))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	ciphertext, _, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		name       string
		ciphertext string
		version    int
	}{
		{"unknown key version", ciphertext, 99},
		{"invalid base64", "!!!not-base64!!!", 1},
		{"truncated input", "AAAA", 1},
		{"empty input", "", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Decrypt(tc.ciphertext, tc.version)
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("error = %v, want ErrDecryptionFailed", err)
			}
		})
	}
}

func TestVault_KeyRotation(t *testing.T) {
	keys := testKeys(t, 2)

	oldVault, err := NewVault(keys[:1])
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	ciphertext, version, err := oldVault.Encrypt("pre-rotation token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Rotate: add a new key; the old ciphertext stays readable by its
	// stored version while new encryptions use the newest key.
	newVault, err := NewVault(keys)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if newVault.CurrentKeyVersion() != 2 {
		t.Fatalf("current key version = %d, want 2", newVault.CurrentKeyVersion())
	}

	got, err := newVault.Decrypt(ciphertext, version)
	if err != nil {
		t.Fatalf("Decrypt old ciphertext: %v", err)
	}
	if got != "pre-rotation token" {
		t.Errorf("round trip = %q", got)
	}

	_, newVersion, err := newVault.Encrypt("post-rotation token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if newVersion != 2 {
		t.Errorf("new ciphertext version = %d, want 2", newVersion)
	}

	// Decrypting under the wrong version fails closed.
	if _, err := newVault.Decrypt(ciphertext, 2); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong version error = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key := testKeys(t, 1)[0]

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64: %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("base64 round trip changed key bytes")
	}

	if _, err := KeyFromBase64("dG9vLXNob3J0"); err == nil {
		t.Error("expected error for wrong-size key")
	}
}

func TestDeriveKey_DomainSeparation(t *testing.T) {
	root := testKeys(t, 1)[0]

	a, err := DeriveKey(root, "authkit/state-signing")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(root, "authkit/session-signing")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(a) == string(b) {
		t.Error("different info strings derived identical keys")
	}

	a2, err := DeriveKey(root, "authkit/state-signing")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(a) != string(a2) {
		t.Error("derivation is not deterministic")
	}
}

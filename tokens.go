package authkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/security"
	"github.com/willowapp/authkit/storage"
)

// TokenPair is a decrypted provider token pair. NeedsRefresh signals the
// caller to perform a refresh exchange and Rotate; the service itself never
// talks to the provider.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	NeedsRefresh bool
}

// Tokens persists provider token pairs encrypted at rest. Plaintext tokens
// never reach the store; both halves of a pair are written in a single
// record so rotation is atomic with respect to readers.
//
// Writers for the same (userID, provider) pair are serialized within the
// process: the carry-forward read in Rotate must never interleave with
// another writer's save.
type Tokens struct {
	store        storage.TokenStore
	vault        *security.Vault
	refreshGrace time.Duration
	logger       *slog.Logger
	auditor      *security.Auditor
	metrics      *instrumentation.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokens creates the token service.
func NewTokens(store storage.TokenStore, vault *security.Vault, refreshGrace time.Duration, logger *slog.Logger, auditor *security.Auditor, inst *instrumentation.Instrumentation) (*Tokens, error) {
	if store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tokens{
		store:        store,
		vault:        vault,
		refreshGrace: refreshGrace,
		logger:       logger,
		auditor:      auditor,
		locks:        make(map[string]*sync.Mutex),
	}
	if inst != nil {
		t.metrics = inst.Metrics()
	}
	return t, nil
}

// writeLock returns the per-pair mutex that serializes Save and Rotate for
// one (userID, provider) key.
func (t *Tokens) writeLock(userID, provider string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := userID + "|" + provider
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Save encrypts and stores a token pair for the user/provider, replacing
// any previous pair.
func (t *Tokens) Save(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time) error {
	lock := t.writeLock(userID, provider)
	lock.Lock()
	defer lock.Unlock()

	record, err := t.seal(ctx, userID, provider, accessToken, refreshToken, expiresAt)
	if err != nil {
		return err
	}

	if err := t.store.SaveTokenRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}
	return nil
}

// Get retrieves and decrypts the token pair for the user/provider.
// NeedsRefresh is set when the access token has expired or expires within
// the grace window.
//
// A decryption failure deletes the stored pair and returns
// ErrDecryptionFailed: the record is unreadable (lost key, tampering) and
// keeping it would lock the user out permanently instead of forcing one
// re-authentication.
func (t *Tokens) Get(ctx context.Context, userID, provider string) (*TokenPair, error) {
	record, err := t.store.GetTokenRecord(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrTokensNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	access, err := t.decrypt(ctx, record.Access)
	if err != nil {
		return nil, t.handleDecryptFailure(ctx, userID, provider, err)
	}
	refresh := ""
	if record.Refresh.Ciphertext != "" {
		refresh, err = t.decrypt(ctx, record.Refresh)
		if err != nil {
			return nil, t.handleDecryptFailure(ctx, userID, provider, err)
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    record.Access.ExpiresAt,
		NeedsRefresh: security.IsExpiringSoon(record.Access.ExpiresAt, t.refreshGrace),
	}, nil
}

// Rotate replaces the stored pair with freshly exchanged tokens. When the
// provider returned no new refresh token, the previous refresh ciphertext
// is carried forward unchanged. The whole record is written in one store
// call, so a concurrent Get observes either the old pair or the new pair,
// never a mix; the per-pair write lock keeps the carry-forward read and its
// save from interleaving with a concurrent rotation.
//
// Rotation always seals with the vault's current key, so records encrypted
// under older keys migrate forward as they are refreshed.
func (t *Tokens) Rotate(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time) error {
	lock := t.writeLock(userID, provider)
	lock.Lock()
	defer lock.Unlock()

	if refreshToken == "" {
		existing, err := t.store.GetTokenRecord(ctx, userID, provider)
		if err != nil && !errors.Is(err, storage.ErrTokensNotFound) {
			return fmt.Errorf("failed to load token record for rotation: %w", err)
		}

		record, sealErr := t.seal(ctx, userID, provider, accessToken, "", expiresAt)
		if sealErr != nil {
			return sealErr
		}
		if existing != nil {
			record.Refresh = existing.Refresh
		}

		if err := t.store.SaveTokenRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to save rotated token record: %w", err)
		}
	} else {
		record, err := t.seal(ctx, userID, provider, accessToken, refreshToken, expiresAt)
		if err != nil {
			return err
		}
		if err := t.store.SaveTokenRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to save rotated token record: %w", err)
		}
	}

	if t.auditor != nil {
		t.auditor.LogTokensRotated(userID, provider)
	}
	if t.metrics != nil {
		t.metrics.RecordTokensRotated(ctx, provider)
	}
	return nil
}

// Delete removes the stored pair for the user/provider.
func (t *Tokens) Delete(ctx context.Context, userID, provider string) error {
	if err := t.store.DeleteTokenRecord(ctx, userID, provider); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	return nil
}

// seal encrypts both halves and assembles the record.
func (t *Tokens) seal(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time) (*storage.TokenRecord, error) {
	accessCiphertext, accessVersion, err := t.encrypt(ctx, accessToken)
	if err != nil {
		return nil, cryptoError(CodeEncryptionFailed, err)
	}

	record := &storage.TokenRecord{
		UserID:   userID,
		Provider: provider,
		Access: storage.EncryptedToken{
			Ciphertext: accessCiphertext,
			KeyVersion: accessVersion,
			Kind:       storage.TokenKindAccess,
			ExpiresAt:  expiresAt,
		},
		UpdatedAt: time.Now().UTC(),
	}

	if refreshToken != "" {
		refreshCiphertext, refreshVersion, err := t.encrypt(ctx, refreshToken)
		if err != nil {
			return nil, cryptoError(CodeEncryptionFailed, err)
		}
		record.Refresh = storage.EncryptedToken{
			Ciphertext: refreshCiphertext,
			KeyVersion: refreshVersion,
			Kind:       storage.TokenKindRefresh,
		}
	}

	return record, nil
}

func (t *Tokens) encrypt(ctx context.Context, plaintext string) (string, int, error) {
	start := time.Now()
	ciphertext, version, err := t.vault.Encrypt(plaintext)
	if t.metrics != nil {
		t.metrics.RecordVaultOperation(ctx, "encrypt", durationMs(start))
	}
	return ciphertext, version, err
}

func (t *Tokens) decrypt(ctx context.Context, sealed storage.EncryptedToken) (string, error) {
	start := time.Now()
	plaintext, err := t.vault.Decrypt(sealed.Ciphertext, sealed.KeyVersion)
	if t.metrics != nil {
		t.metrics.RecordVaultOperation(ctx, "decrypt", durationMs(start))
	}
	return plaintext, err
}

// handleDecryptFailure deletes the unreadable pair and reports a crypto
// error. The delete is best-effort; the crypto error wins either way.
func (t *Tokens) handleDecryptFailure(ctx context.Context, userID, provider string, cause error) error {
	if t.auditor != nil {
		t.auditor.LogTokenDecryptFailed(userID, provider)
	}

	if err := t.store.DeleteTokenRecord(ctx, userID, provider); err != nil {
		t.logger.Error("Failed to delete undecryptable token record",
			"provider", provider,
			"error", err)
	}

	return cryptoError(CodeDecryptionFailed, cause)
}

// durationMs converts elapsed time since start to fractional milliseconds
// for histogram recording.
func durationMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

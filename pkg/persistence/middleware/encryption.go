package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// envelopeKey marks a stored result as an encryption envelope.
const envelopeKey = "__encrypted__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.LedgerStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts execution
// results at rest using AES-GCM. Everything the replay path needs (status,
// fingerprint, artifact IDs) stays in the clear for indexing; only Result is
// sealed.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.LedgerStore) ports.LedgerStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}
}

func (m *encryptionMiddleware) Claim(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, bool, error) {
	sealed, err := m.seal(rec)
	if err != nil {
		return nil, false, err
	}
	existing, claimed, err := m.next.Claim(ctx, sealed)
	if err != nil || existing == nil {
		return existing, claimed, err
	}
	opened, err := m.open(existing)
	return opened, claimed, err
}

func (m *encryptionMiddleware) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	rec, err := m.next.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return m.open(rec)
}

func (m *encryptionMiddleware) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error) {
	rec, err := m.next.FindByFingerprint(ctx, tenantID, fingerprint)
	if err != nil {
		return nil, err
	}
	return m.open(rec)
}

func (m *encryptionMiddleware) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	sealed, err := m.seal(rec)
	if err != nil {
		return err
	}
	return m.next.Update(ctx, sealed)
}

func (m *encryptionMiddleware) Release(ctx context.Context, rec *domain.ExecutionRecord) error {
	return m.next.Release(ctx, rec)
}

func (m *encryptionMiddleware) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.ExecutionRecord, error) {
	recs, err := m.next.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	// Pending records rarely carry a result; open anyway for uniformity.
	for i, rec := range recs {
		if recs[i], err = m.open(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// seal returns a copy with Result replaced by an encryption envelope.
func (m *encryptionMiddleware) seal(rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	if rec.Result == nil {
		return rec, nil
	}

	plainText, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt result: %w", err)
	}

	sealed := *rec
	sealed.Result = map[string]any{
		envelopeKey: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return &sealed, nil
}

// open reverses seal. A record without an envelope passes through unchanged,
// so enabling encryption on an existing ledger keeps old records readable.
func (m *encryptionMiddleware) open(rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	envelope, ok := rec.Result.(map[string]any)
	if !ok {
		return rec, nil
	}
	encryptedStr, ok := envelope[envelopeKey].(string)
	if !ok {
		return rec, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt result: %w", err)
	}

	opened := *rec
	var result any
	if err := json.Unmarshal(plainText, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted result: %w", err)
	}
	opened.Result = result
	return &opened, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	// Try active key first
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	// Try fallbacks in order
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}

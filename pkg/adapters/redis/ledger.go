package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// compareDelete deletes the key only if it still holds the expected value.
const compareDelete = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// LedgerStore implements ports.LedgerStore using Redis.
//
// Layout:
//   - <prefix>exec:<execution_id>        JSON record
//   - <prefix>slot:<tenant>:<fp>         execution_id holding the claim (SETNX)
//   - <prefix>pending                    ZSET of pending execution ids, scored by start time
type LedgerStore struct {
	client *backend.Client
	prefix string
}

// LedgerOption configures the store.
type LedgerOption func(*LedgerStore)

// WithLedgerPrefix sets the key prefix (default "espalier:").
func WithLedgerPrefix(prefix string) LedgerOption {
	return func(s *LedgerStore) {
		s.prefix = prefix
	}
}

// NewLedgerStore creates a ledger store from an existing client.
func NewLedgerStore(client *backend.Client, opts ...LedgerOption) *LedgerStore {
	s := &LedgerStore{
		client: client,
		prefix: "espalier:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerStore) recordKey(executionID string) string {
	return s.prefix + "exec:" + executionID
}

func (s *LedgerStore) slotKey(tenantID, fingerprint string) string {
	return s.prefix + "slot:" + tenantID + ":" + fingerprint
}

func (s *LedgerStore) pendingKey() string {
	return s.prefix + "pending"
}

// Claim atomically takes the (tenant, fingerprint) slot via SETNX.
func (s *LedgerStore) Claim(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, bool, error) {
	slot := s.slotKey(rec.TenantID, rec.Fingerprint)

	claimed, err := s.client.SetNX(ctx, slot, rec.ExecutionID, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim ledger slot: %w", err)
	}

	if !claimed {
		holder, err := s.client.Get(ctx, slot).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				// Slot vanished between SETNX and GET; tell the caller to retry.
				return nil, false, domain.ErrInFlight
			}
			return nil, false, fmt.Errorf("failed to read ledger slot: %w", err)
		}
		existing, err := s.Get(ctx, holder)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.write(ctx, rec); err != nil {
		// Undo the claim so the fingerprint is not wedged by a half write.
		_ = s.client.Eval(ctx, compareDelete, []string{slot}, rec.ExecutionID).Err()
		return nil, false, err
	}
	return nil, true, nil
}

func (s *LedgerStore) write(ctx context.Context, rec *domain.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(rec.ExecutionID), data, 0)
	if rec.Status == domain.ExecutionPending {
		pipe.ZAdd(ctx, s.pendingKey(), backend.Z{
			Score:  float64(rec.StartedAt.Unix()),
			Member: rec.ExecutionID,
		})
	} else {
		pipe.ZRem(ctx, s.pendingKey(), rec.ExecutionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write execution record: %w", err)
	}
	return nil
}

// Get retrieves a record by execution ID.
func (s *LedgerStore) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	val, err := s.client.Get(ctx, s.recordKey(executionID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}

	var rec domain.ExecutionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution record: %w", err)
	}
	return &rec, nil
}

// FindByFingerprint resolves the slot holder and loads its record.
func (s *LedgerStore) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error) {
	holder, err := s.client.Get(ctx, s.slotKey(tenantID, fingerprint)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to read ledger slot: %w", err)
	}
	return s.Get(ctx, holder)
}

// Update rewrites an existing record and maintains the pending index.
func (s *LedgerStore) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	exists, err := s.client.Exists(ctx, s.recordKey(rec.ExecutionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check execution record: %w", err)
	}
	if exists == 0 {
		return domain.ErrExecutionNotFound
	}
	return s.write(ctx, rec)
}

// Release frees the slot only if rec still holds it (compare-delete).
func (s *LedgerStore) Release(ctx context.Context, rec *domain.ExecutionRecord) error {
	slot := s.slotKey(rec.TenantID, rec.Fingerprint)
	if err := s.client.Eval(ctx, compareDelete, []string{slot}, rec.ExecutionID).Err(); err != nil {
		return fmt.Errorf("failed to release ledger slot: %w", err)
	}
	return nil
}

// ListPendingBefore returns pending records started before the cutoff.
func (s *LedgerStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.ExecutionRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}

	records := make([]*domain.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrExecutionNotFound) {
				// Stale index entry; prune lazily.
				_ = s.client.ZRem(ctx, s.pendingKey(), id).Err()
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the redis client.
func (s *LedgerStore) Close() error {
	return s.client.Close()
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsforge/caseflow/model"
)

// IdempotencyStore provides deduplication for instance start requests.
// The key format is "idem:{workflowId}:{key}".
type IdempotencyStore interface {
	// Check looks up a previously started instance by key. If the key
	// exists and the input hash matches, it returns the cached instance.
	// If the key exists but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (inst *model.Instance, found bool, err error)

	// Store saves a started instance keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, inst model.Instance, ttl time.Duration) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string         `json:"input_hash"`
	Instance  model.Instance `json:"instance"`
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(workflowID, key string) string {
	return fmt.Sprintf("idem:%s:%s", workflowID, key)
}

// HashRequest computes a stable hash of a start request for detecting
// idempotency key reuse with different inputs.
func HashRequest(req StartInstanceRequest) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memIdemEntry
}

type memIdemEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memIdemEntry),
	}
}

// Check looks up a cached instance. Returns conflict error if input hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*model.Instance, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	inst := entry.data.Instance
	return &inst, true, nil
}

// Store saves an instance with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, inst model.Instance, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memIdemEntry{
		data: idempotencyEntry{
			InputHash: inputHash,
			Instance:  inst,
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryIdempotencyStore) Ping(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached instance in Redis. Returns conflict error if input hash differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*model.Instance, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.NewUnavailableError(fmt.Sprintf("redis get %q: %v", key, err))
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return &entry.Instance, true, nil
}

// Store saves an instance in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, inst model.Instance, ttl time.Duration) error {
	entry := idempotencyEntry{
		InputHash: inputHash,
		Instance:  inst,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return model.NewUnavailableError(fmt.Sprintf("redis set %q: %v", key, err))
	}
	return nil
}

// Ping verifies Redis is reachable.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return model.NewUnavailableError(fmt.Sprintf("redis ping: %v", err))
	}
	return nil
}

package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryLedger remembers which (token, recipient, channel) triples were
// already delivered so repeated dispatches do not produce duplicates.
type DeliveryLedger interface {
	Delivered(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// In-memory ledger
// ---------------------------------------------------------------------------

// MemoryLedger is a process-local DeliveryLedger.
type MemoryLedger struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

func (l *MemoryLedger) Delivered(_ context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, key string) error {
	l.mu.Lock()
	l.keys[key] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Len reports the number of recorded deliveries.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}

// ---------------------------------------------------------------------------
// Redis ledger
// ---------------------------------------------------------------------------

// DefaultLedgerTTL bounds how long delivery keys are kept in Redis.
const DefaultLedgerTTL = 7 * 24 * time.Hour

// RedisLedger is a DeliveryLedger shared by every replica.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger storing keys under prefix with the given TTL.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "referral:delivered:"
	}
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) Delivered(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis ledger lookup: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Record(ctx context.Context, key string) error {
	if err := l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("redis ledger record: %w", err)
	}
	return nil
}

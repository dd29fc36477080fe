package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a handled envelope id stays marked. It only
// needs to outlive the broker's redelivery horizon, not the event itself.
const DefaultDedupeTTL = 24 * time.Hour

var ErrRedisClientRequired = errors.New("redis client is required")

// Deduper records envelope ids as they are handled so redeliveries can be
// acknowledged without repeating side effects. The check and the mark are
// separate operations: an id is marked only after its side effect succeeded,
// so a failed attempt stays eligible for redelivery.
type Deduper interface {
	// AlreadyHandled reports whether id was marked handled.
	AlreadyHandled(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkHandled records id as handled.
	MarkHandled(ctx context.Context, id uuid.UUID) error
}

// RedisDeduper implements Deduper over a shared redis instance, so the mark
// survives consumer restarts and is visible across replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduper builds a deduper with the given mark lifetime. A
// non-positive ttl falls back to DefaultDedupeTTL.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) (*RedisDeduper, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}

	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}

	return &RedisDeduper{client: client, ttl: ttl}, nil
}

func dedupeKey(id uuid.UUID) string {
	return "careloop:events:handled:" + id.String()
}

// AlreadyHandled reports whether the id carries a handled mark. It never
// writes, so checking an id that later fails to send leaves it deliverable.
func (deduper *RedisDeduper) AlreadyHandled(ctx context.Context, id uuid.UUID) (bool, error) {
	if deduper == nil || deduper.client == nil {
		return false, ErrRedisClientRequired
	}

	exists, err := deduper.client.Exists(ctx, dedupeKey(id)).Result()
	if err != nil {
		return false, err
	}

	return exists > 0, nil
}

// MarkHandled records the id for the configured TTL.
func (deduper *RedisDeduper) MarkHandled(ctx context.Context, id uuid.UUID) error {
	if deduper == nil || deduper.client == nil {
		return ErrRedisClientRequired
	}

	return deduper.client.Set(ctx, dedupeKey(id), 1, deduper.ttl).Err()
}

// NopDeduper never reports a duplicate. Used where redelivered side effects
// are harmless.
type NopDeduper struct{}

func (NopDeduper) AlreadyHandled(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func (NopDeduper) MarkHandled(context.Context, uuid.UUID) error {
	return nil
}

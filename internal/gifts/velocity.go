package gifts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Counter measures per-consumer gift velocity over a trailing window.
// The count feeds the risk assessor's velocity rule.
type Counter interface {
	// CountRecent returns how many gifts the consumer sent within the
	// trailing window, not counting the gift currently being ingested.
	CountRecent(ctx context.Context, consumerID uuid.UUID, window time.Duration) (int, error)

	// Record notes an accepted gift at the given time.
	Record(ctx context.Context, consumerID uuid.UUID, at time.Time) error
}

// RepoCounter counts velocity straight from the gifts table. Accepted gifts
// are already persisted, so Record is a no-op.
type RepoCounter struct {
	repo Repository
}

// NewRepoCounter creates a RepoCounter over the given repository.
func NewRepoCounter(repo Repository) *RepoCounter {
	return &RepoCounter{repo: repo}
}

// CountRecent implements Counter.
func (c *RepoCounter) CountRecent(ctx context.Context, consumerID uuid.UUID, window time.Duration) (int, error) {
	return c.repo.CountRecentByConsumer(ctx, consumerID, time.Now().UTC().Add(-window))
}

// Record implements Counter.
func (c *RepoCounter) Record(context.Context, uuid.UUID, time.Time) error { return nil }

// RedisCounter keeps a sliding-window velocity count in a Redis sorted set
// per consumer, scored by gift time. It avoids a database aggregate on the
// hot ingestion path.
type RedisCounter struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCounter creates a RedisCounter. window bounds key expiry; counts
// use the window passed to CountRecent.
func NewRedisCounter(client *redis.Client, window time.Duration) *RedisCounter {
	return &RedisCounter{client: client, window: window}
}

func velocityKey(consumerID uuid.UUID) string {
	return "gift:velocity:" + consumerID.String()
}

// CountRecent implements Counter. Expired members are trimmed before counting.
func (c *RedisCounter) CountRecent(ctx context.Context, consumerID uuid.UUID, window time.Duration) (int, error) {
	key := velocityKey(consumerID)
	cutoff := time.Now().UTC().Add(-window).UnixNano()

	if err := c.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return 0, fmt.Errorf("trim velocity window: %w", err)
	}
	n, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count velocity window: %w", err)
	}
	return int(n), nil
}

// Record implements Counter.
func (c *RedisCounter) Record(ctx context.Context, consumerID uuid.UUID, at time.Time) error {
	key := velocityKey(consumerID)
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.Expire(ctx, key, c.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record velocity: %w", err)
	}
	return nil
}

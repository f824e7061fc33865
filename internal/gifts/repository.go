package gifts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned when a gift with the same idempotency key
// already exists.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// ErrConsumerNotFound is returned when a consumer id does not resolve.
var ErrConsumerNotFound = errors.New("consumer not found")

// ErrGiftNotFound is returned when a gift id or idempotency key does not resolve.
var ErrGiftNotFound = errors.New("gift not found")

// LiveGuard serialises gift admission against the session-end transition.
// *sessions.MemoryRepository satisfies it.
type LiveGuard interface {
	WhileRunning(id uuid.UUID, fn func() error) error
}

// Repository is the persistence interface for gifts and consumers.
// Both MemoryRepository and PostgresRepository implement it.
type Repository interface {
	// CreateGift persists a new gift, atomically re-checking that the target
	// session is still running at insert time. Fails with ErrDuplicateKey
	// when the idempotency key is already taken and with
	// sessions.ErrLiveEnded when the session ended; the checks are race-free
	// against concurrent replays and concurrent session ends.
	CreateGift(ctx context.Context, g *Gift) error

	// GetGiftByKey returns the gift recorded under the idempotency key.
	GetGiftByKey(ctx context.Context, key string) (*Gift, error)

	// SetGiftEntry links a gift to the ledger entry it produced.
	SetGiftEntry(ctx context.Context, giftID, entryID uuid.UUID) error

	// CountRecentByConsumer counts the consumer's gifts at or after since.
	CountRecentByConsumer(ctx context.Context, consumerID uuid.UUID, since time.Time) (int, error)

	// CountByLive counts all gifts recorded for a session.
	CountByLive(ctx context.Context, liveID uuid.UUID) (int, error)

	// SumCoinsByLive sums the coin amounts of all gifts for a session.
	SumCoinsByLive(ctx context.Context, liveID uuid.UUID) (int64, error)

	// CreateConsumer persists a new consumer.
	CreateConsumer(ctx context.Context, c *Consumer) error

	// GetConsumer returns the consumer with the given id.
	GetConsumer(ctx context.Context, id uuid.UUID) (*Consumer, error)
}

// MemoryRepository is an in-memory, thread-safe Repository implementation
// for testing and single-process deployments.
type MemoryRepository struct {
	mu        sync.RWMutex
	byKey     map[string]*Gift
	gifts     []*Gift
	consumers map[uuid.UUID]*Consumer
	lives     LiveGuard
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byKey:     make(map[string]*Gift),
		consumers: make(map[uuid.UUID]*Consumer),
	}
}

// BindLives wires the session repository whose lock serialises gift inserts
// against EndLive. Without a binding, CreateGift skips the running re-check.
func (r *MemoryRepository) BindLives(g LiveGuard) {
	r.lives = g
}

// CreateGift implements Repository.
func (r *MemoryRepository) CreateGift(_ context.Context, g *Gift) error {
	if r.lives == nil {
		return r.insertGift(g)
	}
	return r.lives.WhileRunning(g.LiveID, func() error {
		return r.insertGift(g)
	})
}

func (r *MemoryRepository) insertGift(g *Gift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[g.IdempotencyKey]; ok {
		return fmt.Errorf("key %q: %w", g.IdempotencyKey, ErrDuplicateKey)
	}
	r.byKey[g.IdempotencyKey] = g
	r.gifts = append(r.gifts, g)
	return nil
}

// GetGiftByKey implements Repository.
func (r *MemoryRepository) GetGiftByKey(_ context.Context, key string) (*Gift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrGiftNotFound)
	}
	return g, nil
}

// SetGiftEntry implements Repository.
func (r *MemoryRepository) SetGiftEntry(_ context.Context, giftID, entryID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.gifts {
		if g.ID == giftID {
			g.EntryID = entryID
			return nil
		}
	}
	return fmt.Errorf("gift %s: %w", giftID, ErrGiftNotFound)
}

// CountRecentByConsumer implements Repository.
func (r *MemoryRepository) CountRecentByConsumer(_ context.Context, consumerID uuid.UUID, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, g := range r.gifts {
		if g.ConsumerID == consumerID && !g.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountByLive implements Repository.
func (r *MemoryRepository) CountByLive(_ context.Context, liveID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, g := range r.gifts {
		if g.LiveID == liveID {
			n++
		}
	}
	return n, nil
}

// SumCoinsByLive implements Repository.
func (r *MemoryRepository) SumCoinsByLive(_ context.Context, liveID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, g := range r.gifts {
		if g.LiveID == liveID {
			total += g.CoinAmount
		}
	}
	return total, nil
}

// CreateConsumer implements Repository.
func (r *MemoryRepository) CreateConsumer(_ context.Context, c *Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID] = c
	return nil
}

// GetConsumer implements Repository.
func (r *MemoryRepository) GetConsumer(_ context.Context, id uuid.UUID) (*Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("consumer %s: %w", id, ErrConsumerNotFound)
	}
	return c, nil
}

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLiveNotFound is returned when a session id does not resolve.
var ErrLiveNotFound = errors.New("live session not found")

// ErrLiveEnded is returned when an operation requires a running session but
// the session has already ended.
var ErrLiveEnded = errors.New("live session already ended")

// Repository is the persistence interface for live sessions.
type Repository interface {
	// CreateLive persists a new running session.
	CreateLive(ctx context.Context, l *Live) error

	// GetLive returns the session with the given id.
	GetLive(ctx context.Context, id uuid.UUID) (*Live, error)

	// EndLive transitions the session from running to ended, durably and
	// exactly once. A second call fails with ErrLiveEnded, so settlement
	// can never run twice for one session.
	EndLive(ctx context.Context, id uuid.UUID, endAt time.Time) (*Live, error)

	// SetQualityScore records the settled session's quality score.
	SetQualityScore(ctx context.Context, id uuid.UUID, score int) error
}

// MemoryRepository is an in-memory, thread-safe Repository implementation.
type MemoryRepository struct {
	mu    sync.RWMutex
	lives map[uuid.UUID]*Live
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{lives: make(map[uuid.UUID]*Live)}
}

// CreateLive implements Repository.
func (r *MemoryRepository) CreateLive(_ context.Context, l *Live) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lives[l.ID] = l
	return nil
}

// GetLive implements Repository.
func (r *MemoryRepository) GetLive(_ context.Context, id uuid.UUID) (*Live, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lives[id]
	if !ok {
		return nil, fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	cp := *l
	return &cp, nil
}

// EndLive implements Repository.
func (r *MemoryRepository) EndLive(_ context.Context, id uuid.UUID, endAt time.Time) (*Live, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lives[id]
	if !ok {
		return nil, fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	if l.Status != StatusRunning {
		return nil, fmt.Errorf("live %s: %w", id, ErrLiveEnded)
	}
	l.Status = StatusEnded
	l.EndAt = &endAt
	cp := *l
	return &cp, nil
}

// WhileRunning runs fn while holding the repository lock with the session
// verified running. EndLive takes the same lock, so anything fn persists is
// visible to the settlement that follows the end transition. fn must not
// call back into this repository.
func (r *MemoryRepository) WhileRunning(id uuid.UUID, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lives[id]
	if !ok {
		return fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	if l.Status != StatusRunning {
		return fmt.Errorf("live %s: %w", id, ErrLiveEnded)
	}
	return fn()
}

// SetQualityScore implements Repository.
func (r *MemoryRepository) SetQualityScore(_ context.Context, id uuid.UUID, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lives[id]
	if !ok {
		return fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	l.QualityScore = &score
	return nil
}

// PostgresRepository persists live sessions to PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateLive implements Repository.
func (r *PostgresRepository) CreateLive(ctx context.Context, l *Live) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO lives (id, creator_id, start_at, end_at, status, quality_score)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.CreatorID, l.StartAt, l.EndAt, l.Status, l.QualityScore,
	); err != nil {
		return fmt.Errorf("insert live: %w", err)
	}
	return nil
}

// GetLive implements Repository.
func (r *PostgresRepository) GetLive(ctx context.Context, id uuid.UUID) (*Live, error) {
	l := &Live{}
	err := r.pool.QueryRow(ctx,
		"SELECT id, creator_id, start_at, end_at, status, quality_score FROM lives WHERE id = $1", id,
	).Scan(&l.ID, &l.CreatorID, &l.StartAt, &l.EndAt, &l.Status, &l.QualityScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get live: %w", err)
	}
	return l, nil
}

// EndLive implements Repository. The conditional update only matches a
// running session, so concurrent end requests resolve to exactly one winner.
func (r *PostgresRepository) EndLive(ctx context.Context, id uuid.UUID, endAt time.Time) (*Live, error) {
	l := &Live{}
	err := r.pool.QueryRow(ctx,
		`UPDATE lives SET status = $1, end_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING id, creator_id, start_at, end_at, status, quality_score`,
		StatusEnded, endAt, id, StatusRunning,
	).Scan(&l.ID, &l.CreatorID, &l.StartAt, &l.EndAt, &l.Status, &l.QualityScore)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either unknown or already ended; disambiguate for the caller.
		if _, getErr := r.GetLive(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("live %s: %w", id, ErrLiveEnded)
	}
	if err != nil {
		return nil, fmt.Errorf("end live: %w", err)
	}
	return l, nil
}

// SetQualityScore implements Repository.
func (r *PostgresRepository) SetQualityScore(ctx context.Context, id uuid.UUID, score int) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE lives SET quality_score = $1 WHERE id = $2", score, id,
	)
	if err != nil {
		return fmt.Errorf("set quality score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("live %s: %w", id, ErrLiveNotFound)
	}
	return nil
}

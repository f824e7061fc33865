package gifts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glowcast/giftledger/internal/sessions"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgresRepository persists gifts and consumers to PostgreSQL.
// It implements the Repository interface.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateGift implements Repository. The unique index on idempotency_key
// turns a replay race into ErrDuplicateKey, and a share lock on the live row
// makes the insert atomic with the running-status check: EndLive's
// conditional update waits for the lock, so the settlement that follows it
// always sums a closed set of gifts.
func (r *PostgresRepository) CreateGift(ctx context.Context, g *Gift) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM lives WHERE id = $1 FOR SHARE", g.LiveID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("live %s: %w", g.LiveID, sessions.ErrLiveNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock live row: %w", err)
	}
	if status != sessions.StatusRunning {
		return fmt.Errorf("live %s: %w", g.LiveID, sessions.ErrLiveEnded)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO gifts (id, idempotency_key, live_id, consumer_id, coin_amount, timestamp, risk_flag, entry_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.IdempotencyKey, g.LiveID, g.ConsumerID,
		g.CoinAmount, g.Timestamp, g.RiskFlag, g.EntryID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("key %q: %w", g.IdempotencyKey, ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("insert gift: %w", err)
	}
	return tx.Commit(ctx)
}

// GetGiftByKey implements Repository.
func (r *PostgresRepository) GetGiftByKey(ctx context.Context, key string) (*Gift, error) {
	g := &Gift{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, idempotency_key, live_id, consumer_id, coin_amount, timestamp, risk_flag, entry_id
		 FROM gifts WHERE idempotency_key = $1`, key,
	).Scan(&g.ID, &g.IdempotencyKey, &g.LiveID, &g.ConsumerID,
		&g.CoinAmount, &g.Timestamp, &g.RiskFlag, &g.EntryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("key %q: %w", key, ErrGiftNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get gift by key: %w", err)
	}
	return g, nil
}

// SetGiftEntry implements Repository.
func (r *PostgresRepository) SetGiftEntry(ctx context.Context, giftID, entryID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE gifts SET entry_id = $1 WHERE id = $2", entryID, giftID,
	)
	if err != nil {
		return fmt.Errorf("link gift entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gift %s: %w", giftID, ErrGiftNotFound)
	}
	return nil
}

// CountRecentByConsumer implements Repository.
func (r *PostgresRepository) CountRecentByConsumer(ctx context.Context, consumerID uuid.UUID, since time.Time) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM gifts WHERE consumer_id = $1 AND timestamp >= $2",
		consumerID, since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent gifts: %w", err)
	}
	return n, nil
}

// CountByLive implements Repository.
func (r *PostgresRepository) CountByLive(ctx context.Context, liveID uuid.UUID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM gifts WHERE live_id = $1", liveID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count gifts for live: %w", err)
	}
	return n, nil
}

// SumCoinsByLive implements Repository.
func (r *PostgresRepository) SumCoinsByLive(ctx context.Context, liveID uuid.UUID) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(coin_amount), 0) FROM gifts WHERE live_id = $1", liveID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum gifts for live: %w", err)
	}
	return total, nil
}

// CreateConsumer implements Repository.
func (r *PostgresRepository) CreateConsumer(ctx context.Context, c *Consumer) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO consumers (id, display_name, kyc_status, account_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.DisplayName, c.KYCStatus, c.AccountID, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert consumer: %w", err)
	}
	return nil
}

// GetConsumer implements Repository.
func (r *PostgresRepository) GetConsumer(ctx context.Context, id uuid.UUID) (*Consumer, error) {
	c := &Consumer{}
	err := r.pool.QueryRow(ctx,
		"SELECT id, display_name, kyc_status, account_id, created_at FROM consumers WHERE id = $1", id,
	).Scan(&c.ID, &c.DisplayName, &c.KYCStatus, &c.AccountID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("consumer %s: %w", id, ErrConsumerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get consumer: %w", err)
	}
	return c, nil
}

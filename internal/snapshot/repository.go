package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotSnapshotted is returned when no snapshot covers the requested entry.
var ErrNotSnapshotted = errors.New("entry not covered by any snapshot")

// Repository is the persistence interface for Merkle snapshots.
type Repository interface {
	// CreateSnapshot persists a new snapshot record.
	CreateSnapshot(ctx context.Context, sn *MerkleSnapshot) error

	// LatestCovering returns the most recent snapshot whose ledger-id list
	// contains entryID, or ErrNotSnapshotted.
	LatestCovering(ctx context.Context, entryID uuid.UUID) (*MerkleSnapshot, error)

	// Latest returns the most recent snapshot, or ErrNotSnapshotted when
	// none exist.
	Latest(ctx context.Context) (*MerkleSnapshot, error)
}

// MemoryRepository is an in-memory, thread-safe Repository implementation.
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots []*MerkleSnapshot
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// CreateSnapshot implements Repository.
func (r *MemoryRepository) CreateSnapshot(_ context.Context, sn *MerkleSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, sn)
	return nil
}

// LatestCovering implements Repository.
func (r *MemoryRepository) LatestCovering(_ context.Context, entryID uuid.UUID) (*MerkleSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		for _, id := range r.snapshots[i].LedgerIDs {
			if id == entryID {
				return r.snapshots[i], nil
			}
		}
	}
	return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotSnapshotted)
}

// Latest implements Repository.
func (r *MemoryRepository) Latest(_ context.Context) (*MerkleSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.snapshots) == 0 {
		return nil, ErrNotSnapshotted
	}
	return r.snapshots[len(r.snapshots)-1], nil
}

// PostgresRepository persists snapshots to PostgreSQL. The ledger-id list is
// stored as a uuid array column.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateSnapshot implements Repository.
func (r *PostgresRepository) CreateSnapshot(ctx context.Context, sn *MerkleSnapshot) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO merkle_snapshots (id, root, signature, ledger_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sn.ID, sn.Root, sn.Signature, sn.LedgerIDs, sn.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestCovering implements Repository.
func (r *PostgresRepository) LatestCovering(ctx context.Context, entryID uuid.UUID) (*MerkleSnapshot, error) {
	sn := &MerkleSnapshot{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, root, signature, ledger_ids, created_at
		 FROM merkle_snapshots
		 WHERE $1 = ANY(ledger_ids)
		 ORDER BY created_at DESC
		 LIMIT 1`, entryID,
	).Scan(&sn.ID, &sn.Root, &sn.Signature, &sn.LedgerIDs, &sn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotSnapshotted)
	}
	if err != nil {
		return nil, fmt.Errorf("find covering snapshot: %w", err)
	}
	return sn, nil
}

// Latest implements Repository.
func (r *PostgresRepository) Latest(ctx context.Context) (*MerkleSnapshot, error) {
	sn := &MerkleSnapshot{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, root, signature, ledger_ids, created_at
		 FROM merkle_snapshots ORDER BY created_at DESC LIMIT 1`,
	).Scan(&sn.ID, &sn.Root, &sn.Signature, &sn.LedgerIDs, &sn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotSnapshotted
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return sn, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent PostEntry calls. The value is arbitrary but must be consistent
// across all service instances sharing one database.
const advisoryLockKey = int64(2_713_490_118)

// PostgresStore persists the ledger to a PostgreSQL database.
// It implements the Store interface.
type PostgresStore struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	onAppend func()
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// SetAppendHook configures a callback invoked after each committed entry.
func (s *PostgresStore) SetAppendHook(fn func()) {
	s.onAppend = fn
}

const entryColumns = "id, seq, debit_account_id, credit_account_id, amount, ref_type, ref_id, created_at, hash_prev, hash_this, status"

// PostEntry implements Store.
// It acquires a PostgreSQL advisory lock, reads the chain tail, computes the
// new entry hash, inserts it and moves both balances — all within a single
// transaction, so two concurrent postings can never observe the same tail.
func (s *PostgresStore) PostEntry(ctx context.Context, debitID, creditID uuid.UUID, amount int64, refType RefType, refID string) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvariant, amount)
	}
	if debitID == creditID {
		return nil, fmt.Errorf("%w: debit and credit account are the same", ErrInvariant)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent appends with a transaction-scoped advisory lock.
	// The lock is automatically released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	// Read the current tail of the chain. An empty ledger has prevHash "".
	var prevSeq int64
	prevHash := ""
	err = tx.QueryRow(ctx,
		"SELECT seq, hash_this FROM ledger_entries ORDER BY seq DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	entry := &Entry{
		ID:              uuid.New(),
		Seq:             prevSeq + 1,
		DebitAccountID:  debitID,
		CreditAccountID: creditID,
		Amount:          amount,
		RefType:         refType,
		RefID:           refID,
		CreatedAt:       entryTimestamp(),
		HashPrev:        prevHash,
		Status:          StatusSettled,
	}
	entry.HashThis = ChainHash(prevHash, CanonicalPayload(entry))

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Seq, entry.DebitAccountID, entry.CreditAccountID,
		entry.Amount, entry.RefType, entry.RefID, entry.CreatedAt,
		entry.HashPrev, entry.HashThis, entry.Status,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	// Both balance updates run inside the same transaction as the append.
	// A missing account fails the posting as a whole; the chain never
	// records a half-applied movement.
	if err := s.moveBalance(ctx, tx, debitID, -amount); err != nil {
		return nil, fmt.Errorf("debit %s: %w", debitID, err)
	}
	if err := s.moveBalance(ctx, tx, creditID, amount); err != nil {
		return nil, fmt.Errorf("credit %s: %w", creditID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	if s.onAppend != nil {
		s.onAppend()
	}

	s.logger.Debug("ledger entry posted",
		zap.Int64("seq", entry.Seq),
		zap.String("ref_type", string(entry.RefType)),
		zap.String("ref_id", entry.RefID),
		zap.Int64("amount", entry.Amount),
	)
	return entry, nil
}

func (s *PostgresStore) moveBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64) error {
	tag, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2",
		delta, accountID,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := s.scanEntry(s.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

// GetEntryByRef implements Store.
func (s *PostgresStore) GetEntryByRef(ctx context.Context, refType RefType, refID string) (*Entry, error) {
	entry, err := s.scanEntry(s.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE ref_type = $1 AND ref_id = $2 ORDER BY seq ASC LIMIT 1",
		refType, refID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ref %s/%s: %w", refType, refID, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry by ref: %w", err)
	}
	return entry, nil
}

// ListEntries implements Store.
func (s *PostgresStore) ListEntries(ctx context.Context) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY seq ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()
	return s.collectEntries(rows)
}

// ListEntriesByID implements Store.
func (s *PostgresStore) ListEntriesByID(ctx context.Context, ids []uuid.UUID) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = ANY($1) ORDER BY seq ASC",
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries by id: %w", err)
	}
	defer rows.Close()

	entries, err := s.collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) != len(ids) {
		return nil, fmt.Errorf("%d of %d entries resolved: %w", len(entries), len(ids), ErrEntryNotFound)
	}
	return entries, nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT hash_this FROM ledger_entries ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get chain tail: %w", err)
	}
	return hash, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Store. It streams all rows ordered by seq and validates
// the hash chain. O(n) in ledger length; may be slow for very large ledgers.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY seq ASC",
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	for rows.Next() {
		curr, err := s.scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if curr.HashPrev != prevHash {
			return fmt.Errorf("hash chain broken at seq %d", curr.Seq)
		}
		if curr.HashThis != ChainHash(curr.HashPrev, CanonicalPayload(curr)) {
			return fmt.Errorf("entry seq %d has invalid hash", curr.Seq)
		}
		prevHash = curr.HashThis
	}
	return rows.Err()
}

// GetAccount implements Store.
func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		"SELECT id, owner_id, type, balance, created_at FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.OwnerID, &a.Type, &a.Balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// CreateAccount implements Store.
func (s *PostgresStore) CreateAccount(ctx context.Context, ownerID string, typ AccountType) (*Account, error) {
	a := &Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO accounts (id, owner_id, type, balance, created_at) VALUES ($1, $2, $3, 0, $4)",
		a.ID, a.OwnerID, a.Type, a.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetOrCreateAccount implements Store. The accounts table carries a unique
// constraint on (owner_id, type), so concurrent first use resolves to a
// single row: the losing insert hits ON CONFLICT DO NOTHING and the
// follow-up select returns the winner's account.
func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, ownerID string, typ AccountType) (*Account, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, type, balance, created_at)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (owner_id, type) DO NOTHING`,
		uuid.New(), ownerID, typ, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	a := &Account{}
	err := s.pool.QueryRow(ctx,
		"SELECT id, owner_id, type, balance, created_at FROM accounts WHERE owner_id = $1 AND type = $2",
		ownerID, typ,
	).Scan(&a.ID, &a.OwnerID, &a.Type, &a.Balance, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account for %s/%s: %w", ownerID, typ, err)
	}
	return a, nil
}

// GetOrCreateHoldingAccount implements Store.
func (s *PostgresStore) GetOrCreateHoldingAccount(ctx context.Context, creatorID string) (*Account, error) {
	return s.GetOrCreateAccount(ctx, creatorID, AccountHolding)
}

func (s *PostgresStore) scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.ID, &e.Seq, &e.DebitAccountID, &e.CreditAccountID,
		&e.Amount, &e.RefType, &e.RefID, &e.CreatedAt,
		&e.HashPrev, &e.HashThis, &e.Status,
	); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

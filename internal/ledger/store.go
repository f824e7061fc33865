package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrAccountNotFound is returned when a posting names an account id that
// does not resolve. The posting fails as a whole; neither side is applied.
var ErrAccountNotFound = errors.New("account not found")

// ErrEntryNotFound is returned when a ledger entry id does not resolve.
var ErrEntryNotFound = errors.New("ledger entry not found")

// ErrInvariant is returned when a posting would violate a ledger invariant:
// a non-positive amount, or debit and credit naming the same account.
var ErrInvariant = errors.New("ledger invariant violation")

// Store is the interface to the authoritative ledger. Both MemoryStore and
// PostgresStore implement it.
type Store interface {
	// PostEntry atomically appends a new double-entry record: it reads the
	// chain tail, computes the chain hash, appends the entry with the next
	// sequence number, debits the debit account and credits the credit
	// account. The whole operation is linearizable with respect to every
	// other PostEntry call.
	PostEntry(ctx context.Context, debitID, creditID uuid.UUID, amount int64, refType RefType, refID string) (*Entry, error)

	// GetEntry returns the entry with the given id.
	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)

	// GetEntryByRef returns the earliest entry recorded for the reference,
	// or ErrEntryNotFound when the reference was never posted.
	GetEntryByRef(ctx context.Context, refType RefType, refID string) (*Entry, error)

	// ListEntries returns every entry ordered by sequence number ascending.
	ListEntries(ctx context.Context) ([]*Entry, error)

	// ListEntriesByID returns the named entries ordered by sequence number
	// ascending. Unknown ids fail with ErrEntryNotFound.
	ListEntriesByID(ctx context.Context, ids []uuid.UUID) ([]*Entry, error)

	// Tail returns the hash of the most recently committed entry, or the
	// empty string when the ledger is empty.
	Tail(ctx context.Context) (string, error)

	// Len returns the total number of entries.
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// GetAccount returns the account with the given id.
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	// CreateAccount creates a new zero-balance account.
	CreateAccount(ctx context.Context, ownerID string, typ AccountType) (*Account, error)

	// GetOrCreateAccount returns the unique account for (ownerID, typ),
	// lazily creating it with zero balance. Safe under concurrent first use:
	// two simultaneous calls never create two accounts.
	GetOrCreateAccount(ctx context.Context, ownerID string, typ AccountType) (*Account, error)

	// GetOrCreateHoldingAccount returns the creator's holding account,
	// lazily creating it. One holding account exists per creator.
	GetOrCreateHoldingAccount(ctx context.Context, creatorID string) (*Account, error)
}

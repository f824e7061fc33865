package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation. A single
// mutex covers both the chain and the account balances, so every posting is
// trivially serialised against every other.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[uuid.UUID]*Entry
	accounts map[uuid.UUID]*Account
	byOwner  map[string]uuid.UUID // "ownerID/type" → account id
	onAppend func()
}

// SetAppendHook configures a callback invoked after each committed entry.
func (s *MemoryStore) SetAppendHook(fn func()) {
	s.onAppend = fn
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[uuid.UUID]*Entry),
		accounts: make(map[uuid.UUID]*Account),
		byOwner:  make(map[string]uuid.UUID),
	}
}

func ownerKey(ownerID string, typ AccountType) string {
	return ownerID + "/" + string(typ)
}

// PostEntry implements Store.
func (s *MemoryStore) PostEntry(_ context.Context, debitID, creditID uuid.UUID, amount int64, refType RefType, refID string) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvariant, amount)
	}
	if debitID == creditID {
		return nil, fmt.Errorf("%w: debit and credit account are the same", ErrInvariant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	debit, ok := s.accounts[debitID]
	if !ok {
		return nil, fmt.Errorf("debit %s: %w", debitID, ErrAccountNotFound)
	}
	credit, ok := s.accounts[creditID]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", creditID, ErrAccountNotFound)
	}

	prevHash := ""
	var seq int64 = 1
	if n := len(s.entries); n > 0 {
		prevHash = s.entries[n-1].HashThis
		seq = s.entries[n-1].Seq + 1
	}

	entry := &Entry{
		ID:              uuid.New(),
		Seq:             seq,
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

	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry
	debit.Balance -= amount
	credit.Balance += amount
	if s.onAppend != nil {
		s.onAppend()
	}
	return entry, nil
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
	}
	return e, nil
}

// GetEntryByRef implements Store.
func (s *MemoryStore) GetEntryByRef(_ context.Context, refType RefType, refID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.RefType == refType && e.RefID == refID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("ref %s/%s: %w", refType, refID, ErrEntryNotFound)
}

// ListEntries implements Store.
func (s *MemoryStore) ListEntries(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// ListEntriesByID implements Store.
func (s *MemoryStore) ListEntriesByID(_ context.Context, ids []uuid.UUID) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok {
			return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
		}
		out = append(out, e)
	}
	sortEntriesBySeq(out)
	return out, nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].HashThis, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Verify implements Store. It walks the chain in sequence order and checks
// that every entry links to its predecessor and reproduces its own hash.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prevHash := ""
	for _, e := range s.entries {
		if e.HashPrev != prevHash {
			return fmt.Errorf("hash chain broken at seq %d", e.Seq)
		}
		if e.HashThis != ChainHash(e.HashPrev, CanonicalPayload(e)) {
			return fmt.Errorf("entry seq %d has invalid hash", e.Seq)
		}
		prevHash = e.HashThis
	}
	return nil
}

// GetAccount implements Store.
func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	cp := *a
	return &cp, nil
}

// CreateAccount implements Store.
func (s *MemoryStore) CreateAccount(_ context.Context, ownerID string, typ AccountType) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ownerID, typ), nil
}

func (s *MemoryStore) createLocked(ownerID string, typ AccountType) *Account {
	a := &Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[a.ID] = a
	s.byOwner[ownerKey(ownerID, typ)] = a.ID
	return a
}

// GetOrCreateAccount implements Store.
func (s *MemoryStore) GetOrCreateAccount(_ context.Context, ownerID string, typ AccountType) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOwner[ownerKey(ownerID, typ)]; ok {
		cp := *s.accounts[id]
		return &cp, nil
	}
	return s.createLocked(ownerID, typ), nil
}

// GetOrCreateHoldingAccount implements Store.
func (s *MemoryStore) GetOrCreateHoldingAccount(ctx context.Context, creatorID string) (*Account, error) {
	return s.GetOrCreateAccount(ctx, creatorID, AccountHolding)
}

func sortEntriesBySeq(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}

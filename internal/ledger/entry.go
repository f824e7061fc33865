package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccountType classifies an account's role in the settlement flow.
type AccountType string

const (
	AccountCreator  AccountType = "creator"
	AccountHolding  AccountType = "holding"
	AccountPlatform AccountType = "platform"
	AccountReserve  AccountType = "reserve"
	AccountConsumer AccountType = "consumer"
)

// RefType identifies the business event a ledger entry records.
type RefType string

const (
	RefGift       RefType = "gift"
	RefSettlement RefType = "settlement"
)

// StatusSettled is the only entry status in this design; entries are never
// pending and never reversed. Corrections would be new compensating entries.
const StatusSettled = "settled"

// Account holds a running balance in minor units. The balance only ever
// changes through paired ledger postings.
type Account struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id,omitempty"` // empty for shared platform/reserve accounts
	Type      AccountType `json:"type"`
	Balance   int64       `json:"balance"`
	CreatedAt time.Time   `json:"created_at"`
}

// Entry is a single immutable double-entry record in the hash chain.
type Entry struct {
	ID              uuid.UUID `json:"id"`
	Seq             int64     `json:"seq"`
	DebitAccountID  uuid.UUID `json:"debit_account_id"`
	CreditAccountID uuid.UUID `json:"credit_account_id"`
	Amount          int64     `json:"amount"`
	RefType         RefType   `json:"ref_type"`
	RefID           string    `json:"ref_id"`
	CreatedAt       time.Time `json:"created_at"`
	HashPrev        string    `json:"hash_prev"`
	HashThis        string    `json:"hash_this"`
	Status          string    `json:"status"`
}

// entryTimestamp returns the creation time for a new entry. Hashed
// timestamps carry at most microsecond precision: timestamptz columns drop
// anything finer, and Verify must reproduce the digest from the stored row.
func entryTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CanonicalPayload serialises the hashed fields of an entry in a fixed,
// explicit order with fixed encodings, so independent implementations
// reproduce identical digests. The chain hashes themselves are excluded.
func CanonicalPayload(e *Entry) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		e.DebitAccountID, e.CreditAccountID, e.Amount,
		e.RefType, e.RefID, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
}

// ChainHash extends the hash chain: a SHA-256 digest over the previous
// entry's hash concatenated with the canonical payload. prevHash is the
// empty string for the first entry.
func ChainHash(prevHash, payload string) string {
	h := sha256.Sum256([]byte(prevHash + payload))
	return hex.EncodeToString(h[:])
}

// LeafDigest hashes an entry's canonical payload on its own, without the
// chain linkage. Snapshot Merkle trees are built over these digests.
func LeafDigest(e *Entry) string {
	h := sha256.Sum256([]byte(CanonicalPayload(e)))
	return hex.EncodeToString(h[:])
}

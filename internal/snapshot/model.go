package snapshot

import (
	"time"

	"github.com/google/uuid"
)

// MerkleSnapshot is an immutable published record of the full settled-ledger
// ordering at a point in time. LedgerIDs is the exact ordered list of entry
// ids whose leaf digests produced Root; reproducing the root requires
// reloading precisely those entries in the same order.
type MerkleSnapshot struct {
	ID        uuid.UUID   `json:"id"         db:"id"`
	Root      string      `json:"root"       db:"root"`
	Signature string      `json:"signature"  db:"signature"`
	LedgerIDs []uuid.UUID `json:"ledger_ids" db:"ledger_ids"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Proof is the inclusion proof returned for a single ledger entry: fold the
// entry's leaf digest through Path starting at Index and the result must
// equal Root, whose authenticity RootSignature attests.
type Proof struct {
	Root          string   `json:"merkleRoot"`
	RootSignature string   `json:"rootSignature"`
	Index         int      `json:"index"`
	Path          []string `json:"proof"`
}

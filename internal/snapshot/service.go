// Package snapshot captures the settled ledger into signed Merkle snapshots
// and serves inclusion proofs against them, so any external party can verify
// that an entry is part of the published record without trusting the server.
package snapshot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/ledger"
	"github.com/glowcast/giftledger/internal/merkle"
)

// ProofResult bundles everything a verifier needs for one entry.
type ProofResult struct {
	Entry *ledger.Entry `json:"ledgerEntry"`
	Proof
}

// Notifier dispatches snapshot events to external subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Service owns MerkleSnapshot creation and proof generation.
type Service struct {
	repo     Repository
	store    ledger.Store
	secret   []byte
	notifier Notifier // nil = no notifications
	onTaken  func()
	logger   *zap.Logger
}

// NewService creates a snapshot Service. secret is the HMAC key that signs
// published roots.
func NewService(repo Repository, store ledger.Store, secret []byte, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		store:  store,
		secret: secret,
		logger: logger,
	}
}

// SetNotifier configures the event notifier. nil disables notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetTakenCallback configures a callback invoked after each snapshot.
func (s *Service) SetTakenCallback(fn func()) {
	s.onTaken = fn
}

// SignRoot computes the HMAC-SHA256 signature over a Merkle root.
func (s *Service) SignRoot(root string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(root))
	return hex.EncodeToString(mac.Sum(nil))
}

// Snapshot captures the full ledger into a new signed snapshot. An empty
// ledger is a legitimate empty state: nothing is persisted and no error is
// returned.
func (s *Service) Snapshot(ctx context.Context) error {
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("load ledger entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	leaves := make([]string, len(entries))
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		leaves[i] = ledger.LeafDigest(e)
		ids[i] = e.ID
	}
	root := merkle.BuildRoot(leaves)

	sn := &MerkleSnapshot{
		ID:        uuid.New(),
		Root:      root,
		Signature: s.SignRoot(root),
		LedgerIDs: ids,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateSnapshot(ctx, sn); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Dispatch(ctx, "snapshot.created", map[string]string{
			"snapshot_id": sn.ID.String(),
			"root":        sn.Root,
			"entries":     fmt.Sprintf("%d", len(ids)),
		})
	}
	if s.onTaken != nil {
		s.onTaken()
	}

	s.logger.Info("ledger snapshot published",
		zap.String("snapshot_id", sn.ID.String()),
		zap.String("root", sn.Root),
		zap.Int("entries", len(ids)),
	)
	return nil
}

// ProveInclusion produces the Merkle proof that the given ledger entry is
// part of the most recent snapshot covering it. The snapshot's exact entry
// list is reloaded and re-ordered by sequence so the recomputed leaf
// positions match the original tree.
func (s *Service) ProveInclusion(ctx context.Context, entryID uuid.UUID) (*ProofResult, error) {
	sn, err := s.repo.LatestCovering(ctx, entryID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntriesByID(ctx, sn.LedgerIDs)
	if err != nil {
		return nil, fmt.Errorf("reload snapshot entries: %w", err)
	}

	leaves := make([]string, len(entries))
	index := -1
	var target *ledger.Entry
	for i, e := range entries {
		leaves[i] = ledger.LeafDigest(e)
		if e.ID == entryID {
			index = i
			target = e
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotSnapshotted)
	}

	return &ProofResult{
		Entry: target,
		Proof: Proof{
			Root:          sn.Root,
			RootSignature: sn.Signature,
			Index:         index,
			Path:          merkle.BuildProof(leaves, index),
		},
	}, nil
}

// Latest returns the most recent snapshot.
func (s *Service) Latest(ctx context.Context) (*MerkleSnapshot, error) {
	return s.repo.Latest(ctx)
}

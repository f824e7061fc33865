// Package sessions manages live streaming sessions and their settlement: the
// quality score computed from engagement signals, and the three-way split of
// accumulated gift value among creator, platform, and reserve.
package sessions

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/ledger"
)

// Revenue split parameters. The creator's base share grows with session
// quality; whatever the floor divisions leave over lands in the reserve, so
// the three amounts always sum exactly to the session total.
const (
	baseCreatorShare  = 0.65
	basePlatformShare = 0.30
	bonusPivotScore   = 40
	bonusDivisor      = 200
	maxQualityBonus   = 0.15
)

// GiftStats exposes the per-session gift aggregates settlement needs.
// *gifts.MemoryRepository and *gifts.PostgresRepository satisfy it.
type GiftStats interface {
	CountByLive(ctx context.Context, liveID uuid.UUID) (int, error)
	SumCoinsByLive(ctx context.Context, liveID uuid.UUID) (int64, error)
}

// Snapshotter publishes a ledger snapshot after settlement.
// *snapshot.Service satisfies this interface.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// Notifier dispatches settlement events to external subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// SettlementResult is returned by EndSession.
type SettlementResult struct {
	Live           *Live          `json:"live"`
	Settlement     Settlement     `json:"settlement"`
	QualityMetrics QualityMetrics `json:"qualityMetrics"`
}

// Service owns session lifecycle and settlement.
type Service struct {
	repo        Repository
	stats       GiftStats
	store       ledger.Store
	snapshotter Snapshotter // nil = no snapshots
	notifier    Notifier    // nil = no notifications
	onSettled   func()
	logger      *zap.Logger
}

// NewService creates a session Service.
func NewService(repo Repository, stats GiftStats, store ledger.Store, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		stats:  stats,
		store:  store,
		logger: logger,
	}
}

// SetSnapshotter configures the post-settlement snapshot publisher.
func (s *Service) SetSnapshotter(sn Snapshotter) {
	s.snapshotter = sn
}

// SetNotifier configures the event notifier. nil disables notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetSettledCallback configures a callback invoked after each settlement.
func (s *Service) SetSettledCallback(fn func()) {
	s.onSettled = fn
}

// ComputeQuality derives the session quality metrics from the number of
// gifts n. The score is an integer in [0, 100].
func ComputeQuality(n int) QualityMetrics {
	retention := math.Min(1, 0.3+0.05*float64(n))
	engagement := math.Min(1, 0.15+0.025*float64(n))
	return QualityMetrics{
		Score:      int(math.Round(50*retention + 50*engagement)),
		Retention:  retention,
		Engagement: engagement,
	}
}

// ComputeSettlement splits total among creator, platform, and reserve. The
// quality bonus shifts up to 15 percentage points from the platform to the
// creator; the reserve takes the rounding remainder, so the three amounts
// sum exactly to total.
func ComputeSettlement(total int64, score int) Settlement {
	bonus := float64(score-bonusPivotScore) / bonusDivisor
	if bonus < 0 {
		bonus = 0
	}
	if bonus > maxQualityBonus {
		bonus = maxQualityBonus
	}

	creator := int64(math.Floor(float64(total) * (baseCreatorShare + bonus)))
	platform := int64(math.Floor(float64(total) * (basePlatformShare - bonus)))
	return Settlement{
		Total:          total,
		CreatorAmount:  creator,
		PlatformAmount: platform,
		ReserveAmount:  total - creator - platform,
	}
}

// CreateLive opens a new running session for a creator.
func (s *Service) CreateLive(ctx context.Context, creatorID string) (*Live, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("creator id is required")
	}
	l := &Live{
		ID:        uuid.New(),
		CreatorID: creatorID,
		StartAt:   time.Now().UTC(),
		Status:    StatusRunning,
	}
	if err := s.repo.CreateLive(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLive returns the session with the given id.
func (s *Service) GetLive(ctx context.Context, id uuid.UUID) (*Live, error) {
	return s.repo.GetLive(ctx, id)
}

// EndSession closes the session and settles it: the status flips to ended
// durably and exactly once, the quality score is computed from the session's
// gifts, and the holding account's accumulated value is split into three
// settlement postings. A snapshot is published afterwards.
func (s *Service) EndSession(ctx context.Context, liveID uuid.UUID) (*SettlementResult, error) {
	endAt := time.Now().UTC()
	live, err := s.repo.EndLive(ctx, liveID, endAt)
	if err != nil {
		return nil, err
	}

	giftCount, err := s.stats.CountByLive(ctx, liveID)
	if err != nil {
		return nil, fmt.Errorf("count session gifts: %w", err)
	}
	total, err := s.stats.SumCoinsByLive(ctx, liveID)
	if err != nil {
		return nil, fmt.Errorf("sum session gifts: %w", err)
	}

	quality := ComputeQuality(giftCount)
	settlement := ComputeSettlement(total, quality.Score)

	if err := s.postSettlement(ctx, live, settlement); err != nil {
		return nil, err
	}

	if err := s.repo.SetQualityScore(ctx, liveID, quality.Score); err != nil {
		return nil, err
	}
	live.QualityScore = &quality.Score

	if s.snapshotter != nil {
		if err := s.snapshotter.Snapshot(ctx); err != nil {
			// The settlement itself is committed; the snapshot can be
			// retaken on the next settlement.
			s.logger.Error("post-settlement snapshot failed", zap.Error(err))
		}
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, "session.settled", map[string]string{
			"live_id":        liveID.String(),
			"creator_id":     live.CreatorID,
			"total":          fmt.Sprintf("%d", settlement.Total),
			"creator_amount": fmt.Sprintf("%d", settlement.CreatorAmount),
			"quality_score":  fmt.Sprintf("%d", quality.Score),
		})
	}
	if s.onSettled != nil {
		s.onSettled()
	}

	s.logger.Info("session settled",
		zap.String("live_id", liveID.String()),
		zap.Int64("total", settlement.Total),
		zap.Int("quality_score", quality.Score),
	)
	return &SettlementResult{Live: live, Settlement: settlement, QualityMetrics: quality}, nil
}

// postSettlement moves the session's holding balance to the creator,
// platform, and reserve accounts. Zero-amount legs are skipped: the ledger
// rejects non-positive postings, and an empty session settles to nothing.
func (s *Service) postSettlement(ctx context.Context, live *Live, st Settlement) error {
	holding, err := s.store.GetOrCreateHoldingAccount(ctx, live.CreatorID)
	if err != nil {
		return fmt.Errorf("resolve holding account: %w", err)
	}

	legs := []struct {
		typ     ledger.AccountType
		ownerID string
		amount  int64
	}{
		{ledger.AccountCreator, live.CreatorID, st.CreatorAmount},
		{ledger.AccountPlatform, "", st.PlatformAmount},
		{ledger.AccountReserve, "", st.ReserveAmount},
	}
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		target, err := s.store.GetOrCreateAccount(ctx, leg.ownerID, leg.typ)
		if err != nil {
			return fmt.Errorf("resolve %s account: %w", leg.typ, err)
		}
		if _, err := s.store.PostEntry(ctx, holding.ID, target.ID, leg.amount, ledger.RefSettlement, live.ID.String()); err != nil {
			return fmt.Errorf("post %s settlement entry: %w", leg.typ, err)
		}
	}
	return nil
}

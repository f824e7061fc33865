// Package gifts implements the ingestion gateway for incoming gift events:
// request authentication, idempotency, risk scoring, and the resulting
// ledger posting.
package gifts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/ledger"
	"github.com/glowcast/giftledger/internal/risk"
	"github.com/glowcast/giftledger/internal/sessions"
)

// ErrInvalidSignature is returned when the authentication tag does not match
// the request body. Nothing is processed and no state changes.
var ErrInvalidSignature = errors.New("invalid event signature")

// ErrInvalidEvent is returned when an authenticated body cannot be parsed or
// fails field validation.
var ErrInvalidEvent = errors.New("invalid gift event")

// LiveResolver resolves the target session of a gift.
// *sessions.MemoryRepository and *sessions.PostgresRepository satisfy it.
type LiveResolver interface {
	GetLive(ctx context.Context, id uuid.UUID) (*sessions.Live, error)
}

// Notifier dispatches ingestion events to external subscribers.
// *notify.Service satisfies this interface.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// MetricsRecorder is an optional callback recording ingestion outcomes.
type MetricsRecorder func(status string, risky bool)

// Service is the ingestion gateway. It owns Gift creation; ledger postings
// go through the ledger store it was constructed with.
type Service struct {
	repo      Repository
	lives     LiveResolver
	store     ledger.Store
	assessor  *risk.Assessor
	counter   Counter
	secret    []byte
	notifier  Notifier
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// NewService creates the ingestion gateway. secret is the shared HMAC key
// gift providers sign request bodies with.
func NewService(repo Repository, lives LiveResolver, store ledger.Store, assessor *risk.Assessor, counter Counter, secret []byte, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		lives:    lives,
		store:    store,
		assessor: assessor,
		counter:  counter,
		secret:   secret,
		logger:   logger,
	}
}

// SetNotifier configures the event notifier. nil disables notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// VerifySignature recomputes the expected tag over the exact raw body bytes
// and compares it to the presented header in constant time.
func (s *Service) VerifySignature(signature string, rawBody []byte) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ReceiveGift ingests one signed gift event.
//
// The signature and idempotency checks are pure gating: a request that fails
// authentication, or replays a known idempotency key, changes no state.
// Everything from gift persistence onward happens at most once per key.
func (s *Service) ReceiveGift(ctx context.Context, signature string, rawBody []byte) (*Result, error) {
	if !s.VerifySignature(signature, rawBody) {
		s.record("unauthorized", false)
		return nil, ErrInvalidSignature
	}

	var ev giftEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotencyKey is required", ErrInvalidEvent)
	}
	if ev.CoinAmount <= 0 {
		return nil, fmt.Errorf("%w: coinAmount must be positive", ErrInvalidEvent)
	}

	// Idempotent replay: same key, same answer, no new entries — safe to
	// retry indefinitely. An accepted key must always end up posted, so a
	// replay first finishes any ledger work a previous attempt left behind.
	if prior, err := s.repo.GetGiftByKey(ctx, ev.IdempotencyKey); err == nil {
		if err := s.ensurePosted(ctx, prior); err != nil {
			return nil, fmt.Errorf("complete gift posting: %w", err)
		}
		s.record(StatusAlreadyRecorded, false)
		return &Result{Status: StatusAlreadyRecorded}, nil
	} else if !errors.Is(err, ErrGiftNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	consumerID, err := uuid.Parse(ev.ConsumerID)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: %w", ev.ConsumerID, ErrConsumerNotFound)
	}
	consumer, err := s.repo.GetConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}

	liveID, err := uuid.Parse(ev.LiveID)
	if err != nil {
		return nil, fmt.Errorf("live %q: %w", ev.LiveID, sessions.ErrLiveNotFound)
	}
	live, err := s.lives.GetLive(ctx, liveID)
	if err != nil {
		return nil, err
	}
	if live.Ended() {
		return nil, fmt.Errorf("live %s: %w", liveID, sessions.ErrLiveEnded)
	}

	now := time.Now().UTC()
	report := s.assessor.Assess(risk.Signals{
		CoinAmount:      ev.CoinAmount,
		KYCStatus:       consumer.KYCStatus,
		RecentGiftCount: s.recentCount(ctx, consumerID),
	})

	gift := &Gift{
		ID:             uuid.New(),
		IdempotencyKey: ev.IdempotencyKey,
		LiveID:         liveID,
		ConsumerID:     consumerID,
		CoinAmount:     ev.CoinAmount,
		Timestamp:      now,
		RiskFlag:       report.Risky,
	}
	// CreateGift re-checks the session's status atomically with the insert,
	// so a session that ends between the gate above and this write still
	// rejects the gift instead of stranding value past settlement.
	if err := s.repo.CreateGift(ctx, gift); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateKey):
			// Lost a replay race after the lookup above; same outcome.
			s.record(StatusAlreadyRecorded, false)
			return &Result{Status: StatusAlreadyRecorded}, nil
		case errors.Is(err, sessions.ErrLiveEnded), errors.Is(err, sessions.ErrLiveNotFound):
			return nil, err
		}
		return nil, fmt.Errorf("persist gift: %w", err)
	}

	holding, err := s.store.GetOrCreateHoldingAccount(ctx, live.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("resolve holding account: %w", err)
	}

	entry, err := s.store.PostEntry(ctx, consumer.AccountID, holding.ID, ev.CoinAmount, ledger.RefGift, gift.ID.String())
	if err != nil {
		return nil, fmt.Errorf("post gift entry: %w", err)
	}
	gift.EntryID = entry.ID
	if err := s.repo.SetGiftEntry(ctx, gift.ID, entry.ID); err != nil {
		s.logger.Error("link gift to ledger entry", zap.Error(err), zap.String("gift_id", gift.ID.String()))
	}

	if err := s.counter.Record(ctx, consumerID, now); err != nil {
		s.logger.Warn("record gift velocity", zap.Error(err))
	}

	if report.Risky && s.notifier != nil {
		s.notifier.Dispatch(ctx, "gift.flagged", map[string]string{
			"gift_id":     gift.ID.String(),
			"live_id":     liveID.String(),
			"consumer_id": consumerID.String(),
			"coin_amount": fmt.Sprintf("%d", ev.CoinAmount),
		})
	}

	s.logger.Info("gift recorded",
		zap.String("gift_id", gift.ID.String()),
		zap.String("live_id", liveID.String()),
		zap.Int64("coins", ev.CoinAmount),
		zap.Bool("risky", report.Risky),
	)
	s.record(StatusOK, report.Risky)
	return &Result{Status: StatusOK, Gift: gift}, nil
}

// ensurePosted finishes the ledger side of a previously accepted gift. A
// transient PostEntry failure leaves the gift row committed with no entry;
// the next replay of the same key lands here and completes the posting
// before the gateway answers already-recorded.
func (s *Service) ensurePosted(ctx context.Context, g *Gift) error {
	if g.EntryID != uuid.Nil {
		return nil
	}

	// A crash between PostEntry and SetGiftEntry leaves the entry in the
	// chain with the link missing. Re-link instead of posting twice.
	if entry, err := s.store.GetEntryByRef(ctx, ledger.RefGift, g.ID.String()); err == nil {
		g.EntryID = entry.ID
		return s.repo.SetGiftEntry(ctx, g.ID, entry.ID)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return fmt.Errorf("look up gift entry: %w", err)
	}

	consumer, err := s.repo.GetConsumer(ctx, g.ConsumerID)
	if err != nil {
		return err
	}
	live, err := s.lives.GetLive(ctx, g.LiveID)
	if err != nil {
		return err
	}
	holding, err := s.store.GetOrCreateHoldingAccount(ctx, live.CreatorID)
	if err != nil {
		return fmt.Errorf("resolve holding account: %w", err)
	}
	entry, err := s.store.PostEntry(ctx, consumer.AccountID, holding.ID, g.CoinAmount, ledger.RefGift, g.ID.String())
	if err != nil {
		return fmt.Errorf("post gift entry: %w", err)
	}
	g.EntryID = entry.ID
	if err := s.repo.SetGiftEntry(ctx, g.ID, entry.ID); err != nil {
		s.logger.Error("link gift to ledger entry", zap.Error(err), zap.String("gift_id", g.ID.String()))
	}
	s.logger.Info("completed deferred gift posting",
		zap.String("gift_id", g.ID.String()),
		zap.Int64("coins", g.CoinAmount),
	)
	return nil
}

// recentCount measures velocity, failing open: a broken counter logs and
// reports zero rather than blocking ingestion.
func (s *Service) recentCount(ctx context.Context, consumerID uuid.UUID) int {
	n, err := s.counter.CountRecent(ctx, consumerID, s.assessor.VelocityWindow())
	if err != nil {
		s.logger.Warn("velocity count unavailable", zap.Error(err))
		return 0
	}
	return n
}

// RegisterConsumer creates a consumer together with its ledger account.
func (s *Service) RegisterConsumer(ctx context.Context, displayName, kycStatus string) (*Consumer, error) {
	if kycStatus == "" {
		kycStatus = "unverified"
	}
	c := &Consumer{
		ID:          uuid.New(),
		DisplayName: displayName,
		KYCStatus:   kycStatus,
		CreatedAt:   time.Now().UTC(),
	}

	account, err := s.store.CreateAccount(ctx, c.ID.String(), ledger.AccountConsumer)
	if err != nil {
		return nil, fmt.Errorf("create consumer account: %w", err)
	}
	c.AccountID = account.ID

	if err := s.repo.CreateConsumer(ctx, c); err != nil {
		return nil, fmt.Errorf("persist consumer: %w", err)
	}
	return c, nil
}

// GetConsumer returns the consumer with the given id.
func (s *Service) GetConsumer(ctx context.Context, id uuid.UUID) (*Consumer, error) {
	return s.repo.GetConsumer(ctx, id)
}

func (s *Service) record(status string, risky bool) {
	if s.onMetrics != nil {
		s.onMetrics(status, risky)
	}
}

package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/gifts"
	"github.com/glowcast/giftledger/internal/ledger"
	"github.com/glowcast/giftledger/internal/sessions"
)

var ctx = context.Background()

func TestComputeQuality(t *testing.T) {
	cases := []struct {
		n          int
		score      int
		retention  float64
		engagement float64
	}{
		{0, 23, 0.3, 0.15},
		{3, 34, 0.45, 0.225},
		{14, 75, 1.0, 0.5},
		{34, 100, 1.0, 1.0},
		{1000, 100, 1.0, 1.0},
	}
	for _, tc := range cases {
		q := sessions.ComputeQuality(tc.n)
		if q.Score != tc.score {
			t.Errorf("n=%d: score %d, want %d", tc.n, q.Score, tc.score)
		}
		if math.Abs(q.Retention-tc.retention) > 1e-9 {
			t.Errorf("n=%d: retention %v, want %v", tc.n, q.Retention, tc.retention)
		}
		if math.Abs(q.Engagement-tc.engagement) > 1e-9 {
			t.Errorf("n=%d: engagement %v, want %v", tc.n, q.Engagement, tc.engagement)
		}
	}
}

func TestComputeSettlement_referenceScenario(t *testing.T) {
	// Three gifts of 100, 2000, 50 coins: total 2150, quality score 34,
	// no bonus.
	st := sessions.ComputeSettlement(2150, 34)
	if st.CreatorAmount != 1397 {
		t.Errorf("creator: got %d, want 1397", st.CreatorAmount)
	}
	if st.PlatformAmount != 645 {
		t.Errorf("platform: got %d, want 645", st.PlatformAmount)
	}
	if st.ReserveAmount != 108 {
		t.Errorf("reserve: got %d, want 108", st.ReserveAmount)
	}
}

func TestComputeSettlement_conservation(t *testing.T) {
	totals := []int64{0, 1, 2, 3, 7, 99, 100, 101, 2150, 999999, 1<<40 + 17}
	for _, total := range totals {
		for score := 0; score <= 100; score += 5 {
			st := sessions.ComputeSettlement(total, score)
			if st.CreatorAmount+st.PlatformAmount+st.ReserveAmount != total {
				t.Errorf("total=%d score=%d: split leaks (%d+%d+%d)",
					total, score, st.CreatorAmount, st.PlatformAmount, st.ReserveAmount)
			}
			if st.CreatorAmount < 0 || st.PlatformAmount < 0 || st.ReserveAmount < 0 {
				t.Errorf("total=%d score=%d: negative split component", total, score)
			}
		}
	}
}

func TestComputeSettlement_bonusClamped(t *testing.T) {
	// Score 100 gives the maximum bonus: 0.80/0.15 shares.
	st := sessions.ComputeSettlement(10000, 100)
	if st.CreatorAmount != 8000 {
		t.Errorf("max-bonus creator: got %d, want 8000", st.CreatorAmount)
	}
	if st.PlatformAmount != 1500 {
		t.Errorf("max-bonus platform: got %d, want 1500", st.PlatformAmount)
	}

	// Scores at or below the pivot give no bonus.
	low := sessions.ComputeSettlement(10000, 0)
	if low.CreatorAmount != 6500 || low.PlatformAmount != 3000 {
		t.Errorf("no-bonus split: got %d/%d, want 6500/3000", low.CreatorAmount, low.PlatformAmount)
	}
}

type settleFixture struct {
	svc      *sessions.Service
	giftRepo *gifts.MemoryRepository
	store    *ledger.MemoryStore
	live     *sessions.Live
	consumer *gifts.Consumer
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	giftRepo := gifts.NewMemoryRepository()
	liveRepo := sessions.NewMemoryRepository()
	giftRepo.BindLives(liveRepo)
	store := ledger.NewMemoryStore()
	svc := sessions.NewService(liveRepo, giftRepo, store, zap.NewNop())

	live, err := svc.CreateLive(ctx, "creator-1")
	if err != nil {
		t.Fatal(err)
	}

	account, err := store.CreateAccount(ctx, "viewer-1", ledger.AccountConsumer)
	if err != nil {
		t.Fatal(err)
	}
	consumer := &gifts.Consumer{ID: uuid.New(), KYCStatus: "verified", AccountID: account.ID}
	if err := giftRepo.CreateConsumer(ctx, consumer); err != nil {
		t.Fatal(err)
	}
	return &settleFixture{svc: svc, giftRepo: giftRepo, store: store, live: live, consumer: consumer}
}

// gift records a gift and its ledger posting directly, bypassing the gateway.
func (f *settleFixture) gift(t *testing.T, coins int64) {
	t.Helper()
	holding, err := f.store.GetOrCreateHoldingAccount(ctx, f.live.CreatorID)
	if err != nil {
		t.Fatal(err)
	}
	g := &gifts.Gift{
		ID:             uuid.New(),
		IdempotencyKey: uuid.NewString(),
		LiveID:         f.live.ID,
		ConsumerID:     f.consumer.ID,
		CoinAmount:     coins,
	}
	if err := f.giftRepo.CreateGift(ctx, g); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.PostEntry(ctx, f.consumer.AccountID, holding.ID, coins, ledger.RefGift, g.ID.String()); err != nil {
		t.Fatal(err)
	}
}

func TestEndSession_settlesAndDrainsHolding(t *testing.T) {
	f := newSettleFixture(t)
	f.gift(t, 100)
	f.gift(t, 2000)
	f.gift(t, 50)

	res, err := f.svc.EndSession(ctx, f.live.ID)
	if err != nil {
		t.Fatal(err)
	}

	if res.QualityMetrics.Score != 34 {
		t.Errorf("quality score: got %d, want 34", res.QualityMetrics.Score)
	}
	want := sessions.Settlement{Total: 2150, CreatorAmount: 1397, PlatformAmount: 645, ReserveAmount: 108}
	if res.Settlement != want {
		t.Errorf("settlement: got %+v, want %+v", res.Settlement, want)
	}
	if res.Live.Status != sessions.StatusEnded || res.Live.EndAt == nil {
		t.Error("session not marked ended")
	}
	if res.Live.QualityScore == nil || *res.Live.QualityScore != 34 {
		t.Error("quality score not stored on the session")
	}

	// 3 gift entries + 3 settlement entries, chain intact.
	if n, _ := f.store.Len(ctx); n != 6 {
		t.Fatalf("ledger entries: got %d, want 6", n)
	}
	if err := f.store.Verify(ctx); err != nil {
		t.Fatalf("chain invalid after settlement: %v", err)
	}

	// Holding drains to zero; the three destinations hold the exact split.
	holding, _ := f.store.GetOrCreateHoldingAccount(ctx, "creator-1")
	if holding.Balance != 0 {
		t.Errorf("holding balance after settlement: got %d, want 0", holding.Balance)
	}
	creator, _ := f.store.GetOrCreateAccount(ctx, "creator-1", ledger.AccountCreator)
	platform, _ := f.store.GetOrCreateAccount(ctx, "", ledger.AccountPlatform)
	reserve, _ := f.store.GetOrCreateAccount(ctx, "", ledger.AccountReserve)
	if creator.Balance != 1397 || platform.Balance != 645 || reserve.Balance != 108 {
		t.Errorf("destination balances: %d/%d/%d", creator.Balance, platform.Balance, reserve.Balance)
	}
}

func TestEndSession_exactlyOnce(t *testing.T) {
	f := newSettleFixture(t)
	f.gift(t, 500)

	if _, err := f.svc.EndSession(ctx, f.live.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.EndSession(ctx, f.live.ID); !errors.Is(err, sessions.ErrLiveEnded) {
		t.Fatalf("second end: got %v, want ErrLiveEnded", err)
	}

	// Settlement entries must not have doubled.
	if n, _ := f.store.Len(ctx); n != 4 { // 1 gift + 3 settlement legs
		t.Errorf("ledger entries after repeated end: got %d, want 4", n)
	}
}

func TestEndSession_unknownLive(t *testing.T) {
	f := newSettleFixture(t)
	if _, err := f.svc.EndSession(ctx, uuid.New()); !errors.Is(err, sessions.ErrLiveNotFound) {
		t.Fatalf("got %v, want ErrLiveNotFound", err)
	}
}

func TestEndSession_emptySessionSettlesToNothing(t *testing.T) {
	f := newSettleFixture(t)

	res, err := f.svc.EndSession(ctx, f.live.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Settlement.Total != 0 {
		t.Errorf("empty session total: got %d", res.Settlement.Total)
	}
	if n, _ := f.store.Len(ctx); n != 0 {
		t.Errorf("empty settlement posted %d entries", n)
	}
}

func TestEndSession_settledCallbackAndSnapshot(t *testing.T) {
	f := newSettleFixture(t)
	f.gift(t, 100)

	settled := 0
	f.svc.SetSettledCallback(func() { settled++ })
	snaps := 0
	f.svc.SetSnapshotter(snapshotterFunc(func(context.Context) error {
		snaps++
		return nil
	}))

	if _, err := f.svc.EndSession(ctx, f.live.ID); err != nil {
		t.Fatal(err)
	}
	if settled != 1 {
		t.Errorf("settled callback fired %d times", settled)
	}
	if snaps != 1 {
		t.Errorf("snapshotter invoked %d times", snaps)
	}
}

type snapshotterFunc func(ctx context.Context) error

func (f snapshotterFunc) Snapshot(ctx context.Context) error { return f(ctx) }

func TestEndSession_snapshotFailureDoesNotUnsettle(t *testing.T) {
	f := newSettleFixture(t)
	f.gift(t, 100)
	f.svc.SetSnapshotter(snapshotterFunc(func(context.Context) error {
		return fmt.Errorf("snapshot store down")
	}))

	res, err := f.svc.EndSession(ctx, f.live.ID)
	if err != nil {
		t.Fatalf("settlement failed on snapshot error: %v", err)
	}
	if res.Settlement.Total != 100 {
		t.Errorf("settlement total: got %d", res.Settlement.Total)
	}
}

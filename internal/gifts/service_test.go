package gifts_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowcast/giftledger/internal/gifts"
	"github.com/glowcast/giftledger/internal/ledger"
	"github.com/glowcast/giftledger/internal/risk"
	"github.com/glowcast/giftledger/internal/sessions"
)

var ctx = context.Background()

const testSecret = "test-ingest-secret"

type fixture struct {
	svc   *gifts.Service
	repo  *gifts.MemoryRepository
	lives *sessions.MemoryRepository
	store *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := gifts.NewMemoryRepository()
	lives := sessions.NewMemoryRepository()
	repo.BindLives(lives)
	store := ledger.NewMemoryStore()
	svc := gifts.NewService(
		repo, lives, store,
		risk.New(risk.DefaultThresholds()),
		gifts.NewRepoCounter(repo),
		[]byte(testSecret),
		zap.NewNop(),
	)
	return &fixture{svc: svc, repo: repo, lives: lives, store: store}
}

func (f *fixture) addConsumer(t *testing.T, kyc string) *gifts.Consumer {
	t.Helper()
	c, err := f.svc.RegisterConsumer(ctx, "viewer", kyc)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) addLive(t *testing.T, creatorID string) *sessions.Live {
	t.Helper()
	l, err := sessions.NewService(f.lives, f.repo, f.store, zap.NewNop()).CreateLive(ctx, creatorID)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func eventBody(t *testing.T, key, liveID, consumerID string, coins int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"idempotencyKey": key,
		"liveId":         liveID,
		"consumerId":     consumerID,
		"coinAmount":     coins,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestReceiveGift_ok(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	res, err := f.svc.ReceiveGift(ctx, sign(body), body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != gifts.StatusOK {
		t.Errorf("status: got %q, want %q", res.Status, gifts.StatusOK)
	}
	if res.Gift.RiskFlag {
		t.Error("benign gift flagged risky")
	}

	// One ledger entry: consumer account debited, holding credited.
	n, _ := f.store.Len(ctx)
	if n != 1 {
		t.Fatalf("ledger entries: got %d, want 1", n)
	}
	entry, err := f.store.GetEntry(ctx, res.Gift.EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.DebitAccountID != c.AccountID {
		t.Error("entry does not debit the consumer account")
	}
	if entry.Amount != 100 || entry.RefType != ledger.RefGift {
		t.Errorf("entry fields: amount=%d ref=%s", entry.Amount, entry.RefType)
	}

	holding, err := f.store.GetOrCreateHoldingAccount(ctx, "creator-1")
	if err != nil {
		t.Fatal(err)
	}
	if holding.Balance != 100 {
		t.Errorf("holding balance: got %d, want 100", holding.Balance)
	}
}

func TestReceiveGift_invalidSignature(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	_, err := f.svc.ReceiveGift(ctx, "deadbeef", body)
	if !errors.Is(err, gifts.ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}

	// Nothing may have been written.
	if n, _ := f.store.Len(ctx); n != 0 {
		t.Errorf("rejected request wrote %d ledger entries", n)
	}
	if _, err := f.repo.GetGiftByKey(ctx, "k-1"); !errors.Is(err, gifts.ErrGiftNotFound) {
		t.Error("rejected request persisted a gift")
	}
}

func TestReceiveGift_signatureOverExactBytes(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	// Signature computed over a semantically identical but re-encoded body
	// must not authenticate the original bytes.
	other := append([]byte(" "), body...)
	if _, err := f.svc.ReceiveGift(ctx, sign(other), body); !errors.Is(err, gifts.ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestReceiveGift_idempotentReplay(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		res, err := f.svc.ReceiveGift(ctx, sign(body), body)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != gifts.StatusAlreadyRecorded {
			t.Fatalf("replay %d: status %q, want %q", i, res.Status, gifts.StatusAlreadyRecorded)
		}
	}

	// Exactly one gift and one posting, no matter how often it is retried.
	if n, _ := f.store.Len(ctx); n != 1 {
		t.Errorf("ledger entries after replays: got %d, want 1", n)
	}
	if n, _ := f.repo.CountByLive(ctx, l.ID); n != 1 {
		t.Errorf("gifts after replays: got %d, want 1", n)
	}
}

func TestReceiveGift_consumerNotFound(t *testing.T) {
	f := newFixture(t)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), "c1b6f0e8-0000-0000-0000-000000000000", 100)
	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); !errors.Is(err, gifts.ErrConsumerNotFound) {
		t.Fatalf("got %v, want ErrConsumerNotFound", err)
	}

	body = eventBody(t, "k-2", l.ID.String(), "not-a-uuid", 100)
	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); !errors.Is(err, gifts.ErrConsumerNotFound) {
		t.Fatalf("unparseable consumer id: got %v, want ErrConsumerNotFound", err)
	}
}

func TestReceiveGift_liveNotFoundOrEnded(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)

	body := eventBody(t, "k-1", "5f000000-0000-0000-0000-000000000001", c.ID.String(), 100)
	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); !errors.Is(err, sessions.ErrLiveNotFound) {
		t.Fatalf("got %v, want ErrLiveNotFound", err)
	}

	l := f.addLive(t, "creator-1")
	svc := sessions.NewService(f.lives, f.repo, f.store, zap.NewNop())
	if _, err := svc.EndSession(ctx, l.ID); err != nil {
		t.Fatal(err)
	}
	body = eventBody(t, "k-2", l.ID.String(), c.ID.String(), 100)
	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); !errors.Is(err, sessions.ErrLiveEnded) {
		t.Fatalf("ended live: got %v, want ErrLiveEnded", err)
	}
}

func TestReceiveGift_invalidEvent(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string][]byte{
		"bad json":   []byte("{not json"),
		"no key":     []byte(`{"liveId":"x","consumerId":"y","coinAmount":5}`),
		"zero coins": []byte(`{"idempotencyKey":"k","liveId":"x","consumerId":"y","coinAmount":0}`),
		"negative":   []byte(`{"idempotencyKey":"k","liveId":"x","consumerId":"y","coinAmount":-3}`),
	} {
		if _, err := f.svc.ReceiveGift(ctx, sign(body), body); !errors.Is(err, gifts.ErrInvalidEvent) {
			t.Errorf("%s: got %v, want ErrInvalidEvent", name, err)
		}
	}
}

// flakyStore fails a configurable number of postings before recovering,
// modelling a transient ledger outage.
type flakyStore struct {
	*ledger.MemoryStore
	failures int
}

func (s *flakyStore) PostEntry(ctx context.Context, debitID, creditID uuid.UUID, amount int64, refType ledger.RefType, refID string) (*ledger.Entry, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("ledger storage unavailable")
	}
	return s.MemoryStore.PostEntry(ctx, debitID, creditID, amount, refType, refID)
}

func TestReceiveGift_replayCompletesFailedPosting(t *testing.T) {
	repo := gifts.NewMemoryRepository()
	lives := sessions.NewMemoryRepository()
	repo.BindLives(lives)
	mem := ledger.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem, failures: 1}
	svc := gifts.NewService(
		repo, lives, store,
		risk.New(risk.DefaultThresholds()),
		gifts.NewRepoCounter(repo),
		[]byte(testSecret),
		zap.NewNop(),
	)

	c, err := svc.RegisterConsumer(ctx, "viewer", risk.KYCVerified)
	if err != nil {
		t.Fatal(err)
	}
	l, err := sessions.NewService(lives, repo, mem, zap.NewNop()).CreateLive(ctx, "creator-1")
	if err != nil {
		t.Fatal(err)
	}

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	if _, err := svc.ReceiveGift(ctx, sign(body), body); err == nil {
		t.Fatal("posting outage did not surface as an error")
	}

	// The key is committed; the retry must finish the posting before it
	// answers already-recorded, or the gift's value is lost.
	res, err := svc.ReceiveGift(ctx, sign(body), body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != gifts.StatusAlreadyRecorded {
		t.Fatalf("status: got %q, want %q", res.Status, gifts.StatusAlreadyRecorded)
	}
	if n, _ := mem.Len(ctx); n != 1 {
		t.Fatalf("ledger entries after retry: got %d, want 1", n)
	}
	g, err := repo.GetGiftByKey(ctx, "k-1")
	if err != nil {
		t.Fatal(err)
	}
	if g.EntryID == uuid.Nil {
		t.Error("retry did not link the posted entry")
	}

	// Further replays stay idempotent.
	if _, err := svc.ReceiveGift(ctx, sign(body), body); err != nil {
		t.Fatal(err)
	}
	if n, _ := mem.Len(ctx); n != 1 {
		t.Errorf("ledger entries after second replay: got %d, want 1", n)
	}
}

func TestReceiveGift_replayRelinksWithoutDoublePosting(t *testing.T) {
	f := newFixture(t)
	c := f.addConsumer(t, risk.KYCVerified)
	l := f.addLive(t, "creator-1")

	body := eventBody(t, "k-1", l.ID.String(), c.ID.String(), 100)
	res, err := f.svc.ReceiveGift(ctx, sign(body), body)
	if err != nil {
		t.Fatal(err)
	}
	want := res.Gift.EntryID

	// A crash between PostEntry and SetGiftEntry leaves the entry in the
	// chain with the gift link missing.
	if err := f.repo.SetGiftEntry(ctx, res.Gift.ID, uuid.Nil); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.ReceiveGift(ctx, sign(body), body); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.Len(ctx); n != 1 {
		t.Fatalf("replay double-posted: %d entries", n)
	}
	g, _ := f.repo.GetGiftByKey(ctx, "k-1")
	if g.EntryID != want {
		t.Errorf("link: got %s, want %s", g.EntryID, want)
	}
}

// staleLiveResolver reports a snapshot of the session taken before it ended,
// reproducing the window between the gateway's status read and the insert.
type staleLiveResolver struct {
	live *sessions.Live
}

func (r staleLiveResolver) GetLive(context.Context, uuid.UUID) (*sessions.Live, error) {
	cp := *r.live
	return &cp, nil
}

func TestReceiveGift_rejectedWhenSessionEndsBeforeInsert(t *testing.T) {
	repo := gifts.NewMemoryRepository()
	lives := sessions.NewMemoryRepository()
	repo.BindLives(lives)
	store := ledger.NewMemoryStore()

	sessionSvc := sessions.NewService(lives, repo, store, zap.NewNop())
	l, err := sessionSvc.CreateLive(ctx, "creator-1")
	if err != nil {
		t.Fatal(err)
	}
	stale := *l

	svc := gifts.NewService(
		repo, staleLiveResolver{live: &stale}, store,
		risk.New(risk.DefaultThresholds()),
		gifts.NewRepoCounter(repo),
		[]byte(testSecret),
		zap.NewNop(),
	)
	c, err := svc.RegisterConsumer(ctx, "viewer", risk.KYCVerified)
	if err != nil {
		t.Fatal(err)
	}

	// The session ends (and settles) after the resolver's snapshot was taken.
	if _, err := sessionSvc.EndSession(ctx, l.ID); err != nil {
		t.Fatal(err)
	}

	body := eventBody(t, "k-late", l.ID.String(), c.ID.String(), 100)
	_, err = svc.ReceiveGift(ctx, sign(body), body)
	if !errors.Is(err, sessions.ErrLiveEnded) {
		t.Fatalf("got %v, want ErrLiveEnded", err)
	}

	// Nothing stranded: no gift row, no holding-account credit.
	if _, err := repo.GetGiftByKey(ctx, "k-late"); !errors.Is(err, gifts.ErrGiftNotFound) {
		t.Error("late gift persisted past settlement")
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("late gift posted %d ledger entries", n)
	}
}

func TestReceiveGift_riskFlags(t *testing.T) {
	f := newFixture(t)
	l := f.addLive(t, "creator-1")

	// Large gift from a verified consumer: flagged on amount alone.
	verified := f.addConsumer(t, risk.KYCVerified)
	body := eventBody(t, "k-large", l.ID.String(), verified.ID.String(), 1500)
	res, err := f.svc.ReceiveGift(ctx, sign(body), body)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Gift.RiskFlag {
		t.Error("1500-coin gift not flagged")
	}

	// Unverified consumer: flagged regardless of amount.
	pending := f.addConsumer(t, "pending")
	body = eventBody(t, "k-kyc", l.ID.String(), pending.ID.String(), 5)
	res, err = f.svc.ReceiveGift(ctx, sign(body), body)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Gift.RiskFlag {
		t.Error("unverified-KYC gift not flagged")
	}

	// Velocity: the 12th gift inside the window is flagged.
	fast := f.addConsumer(t, risk.KYCVerified)
	for i := 0; i < 11; i++ {
		b := eventBody(t, fmt.Sprintf("k-v-%d", i), l.ID.String(), fast.ID.String(), 1)
		if _, err := f.svc.ReceiveGift(ctx, sign(b), b); err != nil {
			t.Fatal(err)
		}
	}
	b := eventBody(t, "k-v-last", l.ID.String(), fast.ID.String(), 1)
	res, err = f.svc.ReceiveGift(ctx, sign(b), b)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Gift.RiskFlag {
		t.Error("high-velocity gift not flagged")
	}
}

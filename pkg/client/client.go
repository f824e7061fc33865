// Package client provides the Go SDK for the giftledger service: signed gift
// submission, session lifecycle calls, and read access to the ledger,
// accounts, snapshots, and Merkle inclusion proofs.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the exact request body.
const SignatureHeader = "X-Gift-Signature"

// Overview is the ledger summary returned by GET /api/v1/ledger.
type Overview struct {
	Entries int    `json:"entries"`
	Tail    string `json:"tail"`
}

// VerifyResult reports full-chain integrity.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Entry is one double-entry ledger record.
type Entry struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	DebitAccountID  string    `json:"debit_account_id"`
	CreditAccountID string    `json:"credit_account_id"`
	Amount          int64     `json:"amount"`
	RefType         string    `json:"ref_type"`
	RefID           string    `json:"ref_id"`
	CreatedAt       time.Time `json:"created_at"`
	HashPrev        string    `json:"hash_prev"`
	HashThis        string    `json:"hash_this"`
	Status          string    `json:"status"`
}

// Account is a ledger account balance record.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// ProofResult bundles a ledger entry with its Merkle inclusion proof.
type ProofResult struct {
	Entry         *Entry   `json:"ledgerEntry"`
	Root          string   `json:"merkleRoot"`
	RootSignature string   `json:"rootSignature"`
	Index         int      `json:"index"`
	Path          []string `json:"proof"`
}

// Snapshot is a published Merkle snapshot record.
type Snapshot struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	Signature string    `json:"signature"`
	LedgerIDs []string  `json:"ledger_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// GiftEvent is the signed ingestion payload for SendGift.
type GiftEvent struct {
	IdempotencyKey string `json:"idempotencyKey"`
	LiveID         string `json:"liveId"`
	ConsumerID     string `json:"consumerId"`
	CoinAmount     int64  `json:"coinAmount"`
}

// GiftResult is the ingestion outcome returned by SendGift.
type GiftResult struct {
	Status string          `json:"status"`
	Gift   json.RawMessage `json:"gift,omitempty"`
}

// Live is a live session record.
type Live struct {
	ID           string     `json:"id"`
	CreatorID    string     `json:"creator_id"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	Status       string     `json:"status"`
	QualityScore *int       `json:"quality_score,omitempty"`
}

// Settlement is the three-way split produced by EndLive.
type Settlement struct {
	Total          int64 `json:"total"`
	CreatorAmount  int64 `json:"creator_amount"`
	PlatformAmount int64 `json:"platform_amount"`
	ReserveAmount  int64 `json:"reserve_amount"`
}

// QualityMetrics is the session quality score and its components.
type QualityMetrics struct {
	Score      int     `json:"score"`
	Retention  float64 `json:"retention"`
	Engagement float64 `json:"engagement"`
}

// SettlementResult is the response of POST /api/v1/lives/:id/end.
type SettlementResult struct {
	Status         string         `json:"status"`
	Live           *Live          `json:"live"`
	Settlement     Settlement     `json:"settlement"`
	QualityMetrics QualityMetrics `json:"qualityMetrics"`
}

// Consumer is a registered gifting viewer.
type Consumer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	KYCStatus   string    `json:"kyc_status"`
	AccountID   string    `json:"account_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the giftledger SDK entry point.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	ingestSecret []byte // nil = SendGift unavailable
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithIngestSecret configures the shared HMAC key that signs SendGift bodies.
func WithIngestSecret(secret []byte) Option {
	return func(c *Client) {
		c.ingestSecret = secret
	}
}

// New creates a Client connected to baseURL.
//
//	c := client.New("http://localhost:8080",
//	    client.WithIngestSecret([]byte(secret)),
//	)
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendGift signs the event with the ingest secret and submits it. Replays of
// the same idempotency key return status "already-recorded".
func (c *Client) SendGift(ctx context.Context, event GiftEvent) (*GiftResult, error) {
	if c.ingestSecret == nil {
		return nil, fmt.Errorf("no ingest secret configured (use WithIngestSecret)")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal gift event: %w", err)
	}

	mac := hmac.New(sha256.New, c.ingestSecret)
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/gifts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	result := &GiftResult{}
	if err := json.Unmarshal(respBody, result); err != nil {
		return nil, fmt.Errorf("decode gift result: %w", err)
	}
	return result, nil
}

// Overview returns the chain length and tail hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	ov := &Overview{}
	if err := c.get(ctx, "/api/v1/ledger", ov); err != nil {
		return nil, err
	}
	return ov, nil
}

// VerifyChain asks the service to walk the full chain and report integrity.
func (c *Client) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	vr := &VerifyResult{}
	if err := c.get(ctx, "/api/v1/ledger/verify", vr); err != nil {
		return nil, err
	}
	return vr, nil
}

// GetEntry fetches a single ledger entry by id.
func (c *Client) GetEntry(ctx context.Context, id string) (*Entry, error) {
	e := &Entry{}
	if err := c.get(ctx, "/api/v1/ledger/entries/"+id, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetProof fetches the Merkle inclusion proof for a ledger entry.
func (c *Client) GetProof(ctx context.Context, entryID string) (*ProofResult, error) {
	p := &ProofResult{}
	if err := c.get(ctx, "/api/v1/ledger/entries/"+entryID+"/proof", p); err != nil {
		return nil, err
	}
	return p, nil
}

// LatestSnapshot fetches the most recent published snapshot.
func (c *Client) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	sn := &Snapshot{}
	if err := c.get(ctx, "/api/v1/ledger/snapshots/latest", sn); err != nil {
		return nil, err
	}
	return sn, nil
}

// GetAccount fetches an account balance record by id.
func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	if err := c.get(ctx, "/api/v1/accounts/"+id, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateLive opens a running session for the creator.
func (c *Client) CreateLive(ctx context.Context, creatorID string) (*Live, error) {
	l := &Live{}
	if err := c.post(ctx, "/api/v1/lives", map[string]string{"creatorId": creatorID}, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLive fetches a session by id.
func (c *Client) GetLive(ctx context.Context, id string) (*Live, error) {
	l := &Live{}
	if err := c.get(ctx, "/api/v1/lives/"+id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// EndLive ends the session and returns the settlement breakdown.
func (c *Client) EndLive(ctx context.Context, id string) (*SettlementResult, error) {
	res := &SettlementResult{}
	if err := c.post(ctx, "/api/v1/lives/"+id+"/end", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RegisterConsumer creates a consumer and its backing ledger account.
func (c *Client) RegisterConsumer(ctx context.Context, displayName, kycStatus string) (*Consumer, error) {
	consumer := &Consumer{}
	payload := map[string]string{"displayName": displayName, "kycStatus": kycStatus}
	if err := c.post(ctx, "/api/v1/consumers", payload, consumer); err != nil {
		return nil, err
	}
	return consumer, nil
}

// GetConsumer fetches a consumer record by id.
func (c *Client) GetConsumer(ctx context.Context, id string) (*Consumer, error) {
	consumer := &Consumer{}
	if err := c.get(ctx, "/api/v1/consumers/"+id, consumer); err != nil {
		return nil, err
	}
	return consumer, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and returns the response body.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("not found: %s", req.URL.Path)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

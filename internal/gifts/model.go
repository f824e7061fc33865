package gifts

import (
	"time"

	"github.com/google/uuid"
)

// Gift is an externally reported gift event, created at most once per
// idempotency key.
type Gift struct {
	ID             uuid.UUID `json:"id"              db:"id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	LiveID         uuid.UUID `json:"live_id"         db:"live_id"`
	ConsumerID     uuid.UUID `json:"consumer_id"     db:"consumer_id"`
	CoinAmount     int64     `json:"coin_amount"     db:"coin_amount"`
	Timestamp      time.Time `json:"timestamp"       db:"timestamp"`
	RiskFlag       bool      `json:"risk_flag"       db:"risk_flag"`

	// EntryID links the gift to the ledger entry it produced.
	EntryID uuid.UUID `json:"entry_id" db:"entry_id"`
}

// Consumer is the trust-signal record for a gifting viewer. Each consumer is
// paired with a consumer-type ledger account that gift postings debit.
type Consumer struct {
	ID          uuid.UUID `json:"id"           db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	KYCStatus   string    `json:"kyc_status"   db:"kyc_status"`
	AccountID   uuid.UUID `json:"account_id"   db:"account_id"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// giftEvent is the signed request body consumed by ReceiveGift. The
// signature covers the exact raw bytes, so the body is only parsed after
// authentication succeeds.
type giftEvent struct {
	IdempotencyKey string `json:"idempotencyKey"`
	LiveID         string `json:"liveId"`
	ConsumerID     string `json:"consumerId"`
	CoinAmount     int64  `json:"coinAmount"`
}

// Result statuses returned by ReceiveGift.
const (
	StatusOK              = "ok"
	StatusAlreadyRecorded = "already-recorded"
)

// Result is the outcome of a successful ingestion call.
type Result struct {
	Status string `json:"status"`
	Gift   *Gift  `json:"gift,omitempty"`
}

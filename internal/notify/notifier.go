// Package notify dispatches signed event notifications to configured
// subscriber endpoints: risk-flagged gifts, completed settlements, and
// published snapshots.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event types dispatched by the system.
const (
	EventGiftFlagged       = "gift.flagged"
	EventSessionSettled    = "session.settled"
	EventSnapshotCreated   = "snapshot.created"
	EventLedgerAuditFailed = "ledger.audit_failed"
)

// Subscriber is one delivery target. The secret signs each delivery body so
// the receiver can authenticate the sender.
type Subscriber struct {
	URL    string
	Secret string
}

// Event is the JSON body delivered to subscribers.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service fans events out to all configured subscribers.
type Service struct {
	subscribers []Subscriber
	httpClient  *http.Client
	onMetrics   MetricsRecorder
	logger      *zap.Logger
}

// NewService creates a notification Service over a fixed subscriber list.
func NewService(subscribers []Subscriber, logger *zap.Logger) *Service {
	return &Service{
		subscribers: subscribers,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Dispatch fans out an event to every subscriber. Delivery is asynchronous;
// the caller's request never waits on subscriber endpoints.
func (s *Service) Dispatch(_ context.Context, eventType string, payload map[string]string) {
	if len(s.subscribers) == 0 {
		return
	}
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, sub := range s.subscribers {
		go s.deliver(sub, event)
	}
}

// deliver sends the event to a single subscriber with retries.
func (s *Service) deliver(sub Subscriber, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("notify: marshal event", zap.Error(err))
		return
	}
	signature := signPayload(body, sub.Secret)

	// Retry with backoff: immediate, 1s, 5s.
	delays := []time.Duration{0, 1 * time.Second, 5 * time.Second}

	for attempt, delay := range delays {
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ok := s.doDelivery(ctx, sub.URL, body, signature)
		cancel()

		if ok {
			if s.onMetrics != nil {
				s.onMetrics(true)
			}
			return
		}
		s.logger.Warn("notify: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt+1),
		)
	}
	if s.onMetrics != nil {
		s.onMetrics(false)
	}
}

func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Giftledger-Signature", signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// signPayload computes an HMAC-SHA256 signature over the delivery body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseSubscribers builds the subscriber list from "url|secret" config
// strings, skipping malformed items.
func ParseSubscribers(items []string, logger *zap.Logger) []Subscriber {
	var subs []Subscriber
	for _, item := range items {
		url, secret, ok := strings.Cut(item, "|")
		if !ok || url == "" || secret == "" {
			logger.Warn("notify: malformed subscriber entry, skipped", zap.String("item", item))
			continue
		}
		subs = append(subs, Subscriber{URL: url, Secret: secret})
	}
	return subs
}

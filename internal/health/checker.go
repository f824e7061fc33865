// Package health runs the periodic ledger integrity audit: it re-verifies
// the full hash chain on a schedule and flips a degraded flag the moment the
// chain stops checking out, so operators learn about tampering or corruption
// without waiting for a client to request a proof.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds audit loop configuration.
type Config struct {
	CheckInterval time.Duration
	AuditTimeout  time.Duration
}

// Verifier re-checks the ledger hash chain. ledger.Store satisfies it.
type Verifier interface {
	Verify(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// WebhookDispatchFunc is an optional callback for dispatching audit-failure events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(success bool)

// Status is a point-in-time audit result.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Entries   int       `json:"entries"`
	LastAudit time.Time `json:"last_audit"`
	LastError string    `json:"last_error,omitempty"`
}

// Auditor runs periodic ledger chain verification.
type Auditor struct {
	verifier  Verifier
	mu        sync.Mutex
	status    Status
	cfg       Config
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Auditor.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.AuditTimeout == 0 {
		cfg.AuditTimeout = 30 * time.Second
	}

	return &Auditor{
		verifier: verifier,
		status:   Status{Healthy: true},
		cfg:      cfg,
		logger:   logger,
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (a *Auditor) SetWebhookDispatch(fn WebhookDispatchFunc) {
	a.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs the audit loop until ctx is cancelled.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			auditCtx, cancel := context.WithTimeout(ctx, a.cfg.AuditTimeout)
			a.Audit(auditCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Audit re-verifies the full chain once and records the outcome.
func (a *Auditor) Audit(ctx context.Context) Status {
	now := time.Now().UTC()
	verifyErr := a.verifier.Verify(ctx)
	entries, lenErr := a.verifier.Len(ctx)
	if verifyErr == nil && lenErr != nil {
		verifyErr = lenErr
	}

	success := verifyErr == nil
	if a.onMetrics != nil {
		a.onMetrics(success)
	}

	a.mu.Lock()
	wasHealthy := a.status.Healthy
	a.status = Status{Healthy: success, Entries: entries, LastAudit: now}
	if verifyErr != nil {
		a.status.LastError = verifyErr.Error()
	}
	st := a.status
	a.mu.Unlock()

	switch {
	case !success && wasHealthy:
		// Transition: healthy → degraded. Tampering or storage corruption.
		a.logger.Error("ledger audit failed", zap.Error(verifyErr), zap.Int("entries", entries))
		if a.onWebhook != nil {
			a.onWebhook(ctx, "ledger.audit_failed", map[string]string{
				"error":   verifyErr.Error(),
				"entries": strconv.Itoa(entries),
			})
		}
	case success && !wasHealthy:
		a.logger.Info("ledger audit recovered", zap.Int("entries", entries))
	case success:
		a.logger.Debug("ledger audit passed", zap.Int("entries", entries))
	default:
		a.logger.Error("ledger audit still failing", zap.Error(verifyErr))
	}

	return st
}

// LastStatus returns the most recent audit result.
func (a *Auditor) LastStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

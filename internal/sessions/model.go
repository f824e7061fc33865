package sessions

import (
	"time"

	"github.com/google/uuid"
)

// Live statuses. The running→ended transition is one-way; a session is
// never re-opened.
const (
	StatusRunning = "running"
	StatusEnded   = "ended"
)

// Live is a single streaming session. QualityScore is nil until the session
// has ended and been settled.
type Live struct {
	ID           uuid.UUID  `json:"id"            db:"id"`
	CreatorID    string     `json:"creator_id"    db:"creator_id"`
	StartAt      time.Time  `json:"start_at"      db:"start_at"`
	EndAt        *time.Time `json:"end_at"        db:"end_at"`
	Status       string     `json:"status"        db:"status"`
	QualityScore *int       `json:"quality_score" db:"quality_score"`
}

// Ended reports whether the session has been closed.
func (l *Live) Ended() bool {
	return l.Status == StatusEnded
}

// QualityMetrics are the engagement-derived inputs and output of the
// session quality computation.
type QualityMetrics struct {
	Score      int     `json:"score"`
	Retention  float64 `json:"retention"`
	Engagement float64 `json:"engagement"`
}

// Settlement is the three-way split of a session's accumulated gift value.
// The three amounts always sum exactly to Total; the reserve absorbs the
// rounding remainder.
type Settlement struct {
	Total          int64 `json:"total"`
	CreatorAmount  int64 `json:"creator_amount"`
	PlatformAmount int64 `json:"platform_amount"`
	ReserveAmount  int64 `json:"reserve_amount"`
}

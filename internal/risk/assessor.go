// Package risk scores incoming gifts as risky or benign from consumer trust
// signals and velocity. Assessment is pure: no I/O, no side effects; the
// caller supplies the recent-gift count it has already measured.
package risk

import "time"

// KYCVerified is the consumer KYC status that passes the identity rule.
const KYCVerified = "verified"

// Thresholds holds the configurable rule limits.
type Thresholds struct {
	// MaxCoinAmount is the largest single gift that passes unflagged.
	MaxCoinAmount int64

	// MaxRecentGifts is the largest number of gifts from one consumer
	// within VelocityWindow that passes unflagged.
	MaxRecentGifts int

	// VelocityWindow is the trailing window the recent-gift count covers.
	VelocityWindow time.Duration
}

// DefaultThresholds returns the production rule limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCoinAmount:  1000,
		MaxRecentGifts: 10,
		VelocityWindow: 60 * time.Minute,
	}
}

// Signals are the inputs to a single assessment.
type Signals struct {
	CoinAmount      int64
	KYCStatus       string
	RecentGiftCount int
}

// Finding is a single rule match returned by the assessor.
type Finding struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Report is the output of an assessment run. Risky is true when any rule
// matched; the gift is still accepted, but recorded with its risk flag set.
type Report struct {
	Risky    bool      `json:"risky"`
	Findings []Finding `json:"findings"`
}

// ruleFunc inspects the signals and returns zero or more Findings.
type ruleFunc func(t Thresholds, sig Signals) []Finding

// Assessor flags risky gifts with a fixed set of threshold rules.
type Assessor struct {
	thresholds Thresholds
	rules      []ruleFunc
}

// New returns an Assessor loaded with the default rule set.
func New(t Thresholds) *Assessor {
	return &Assessor{
		thresholds: t,
		rules: []ruleFunc{
			ruleAmount,
			ruleVelocity,
			ruleKYC,
		},
	}
}

// VelocityWindow returns the trailing window the velocity rule covers.
func (a *Assessor) VelocityWindow() time.Duration {
	return a.thresholds.VelocityWindow
}

// Assess runs every rule against the signals.
func (a *Assessor) Assess(sig Signals) *Report {
	findings := []Finding{}
	for _, r := range a.rules {
		findings = append(findings, r(a.thresholds, sig)...)
	}
	return &Report{
		Risky:    len(findings) > 0,
		Findings: findings,
	}
}

func ruleAmount(t Thresholds, sig Signals) []Finding {
	if sig.CoinAmount > t.MaxCoinAmount {
		return []Finding{{
			Rule:        "amount",
			Description: "coin amount exceeds single-gift limit",
		}}
	}
	return nil
}

func ruleVelocity(t Thresholds, sig Signals) []Finding {
	if sig.RecentGiftCount > t.MaxRecentGifts {
		return []Finding{{
			Rule:        "velocity",
			Description: "too many gifts from this consumer in the trailing window",
		}}
	}
	return nil
}

func ruleKYC(_ Thresholds, sig Signals) []Finding {
	if sig.KYCStatus != KYCVerified {
		return []Finding{{
			Rule:        "kyc",
			Description: "consumer KYC status is not verified",
		}}
	}
	return nil
}

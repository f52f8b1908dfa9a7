package usage

import (
	"context"
	"errors"
	"time"

	"github.com/viimlabs/viim-gateway/config"
)

// AnonymousUserID is the reserved sentinel for unauthenticated traffic.
// Anonymous calls are never metered here; they are gated upstream.
const AnonymousUserID = "anonymous"

var ErrSummaryNotFound = errors.New("usage summary not found")

// LogEntry is an immutable record of one completed inference call.
// Entries are append-only; they are never updated or deleted.
type LogEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// Bucket accumulates tokens and cost for one calendar period. Both
// fields only ever grow within their period.
type Bucket struct {
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"costUSD"`
}

// FreeTrial tracks the fixed-count request allowance for free-plan
// users. Once IsLocked is set it stays set; nothing in this codebase
// clears it.
type FreeTrial struct {
	TotalRequestsUsed int        `json:"totalRequestsUsed"`
	TotalRequestsCap  int        `json:"totalRequestsCap"`
	IsLocked          bool       `json:"isLocked"`
	LockedAt          *time.Time `json:"lockedAt,omitempty"`
}

// Summary is the per-user mutable aggregate. Daily buckets are keyed
// YYYY-MM-DD, monthly buckets YYYY-MM, both UTC. It is mutated only
// through Store.ApplyUsage and Store.LockFreeTrial.
type Summary struct {
	UserID              string            `json:"user_id"`
	Daily               map[string]Bucket `json:"daily"`
	Monthly             map[string]Bucket `json:"monthly"`
	DailyTokenLimit     int64             `json:"daily_token_limit"`
	MonthlyCostLimitUSD float64           `json:"monthly_cost_limit_usd"`
	FreeTrial           *FreeTrial        `json:"free_trial,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Delta is the increment folded into a summary for one logged call.
type Delta struct {
	Tokens  int64
	CostUSD float64
}

// Defaults seeds lazily-created summaries and free-trial records.
type Defaults struct {
	DailyTokenLimit     int64
	MonthlyCostLimitUSD float64
	FreeTrialCap        int
}

func DefaultsFromMeterLimits(m config.MeterLimits) Defaults {
	return Defaults{
		DailyTokenLimit:     m.DefaultDailyTokenLimit,
		MonthlyCostLimitUSD: m.DefaultMonthlyCostLimitUSD,
		FreeTrialCap:        m.FreeTrialCap,
	}
}

// NewSummary builds a fresh summary with empty buckets and default
// limits.
func (d Defaults) NewSummary(userID string, now time.Time) *Summary {
	return &Summary{
		UserID:              userID,
		Daily:               map[string]Bucket{},
		Monthly:             map[string]Bucket{},
		DailyTokenLimit:     d.DailyTokenLimit,
		MonthlyCostLimitUSD: d.MonthlyCostLimitUSD,
		UpdatedAt:           now,
	}
}

func DailyKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func MonthlyKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DailyTokens returns the token count accumulated on the calendar day
// of now.
func (s *Summary) DailyTokens(now time.Time) int64 {
	return s.Daily[DailyKey(now)].Tokens
}

// MonthlyCost returns the dollar cost accumulated in the calendar
// month of now.
func (s *Summary) MonthlyCost(now time.Time) float64 {
	return s.Monthly[MonthlyKey(now)].CostUSD
}

// applyDelta folds one logged call into the summary: bump the daily
// and monthly buckets, initialize the free trial if absent, and count
// the request against the trial unless the trial is already locked.
// Callers must hold whatever lock makes the read-modify-write atomic.
func (s *Summary) applyDelta(d Delta, now time.Time, trialCap int) {
	if s.Daily == nil {
		s.Daily = map[string]Bucket{}
	}
	if s.Monthly == nil {
		s.Monthly = map[string]Bucket{}
	}

	daily := s.Daily[DailyKey(now)]
	daily.Tokens += d.Tokens
	daily.CostUSD += d.CostUSD
	s.Daily[DailyKey(now)] = daily

	monthly := s.Monthly[MonthlyKey(now)]
	monthly.Tokens += d.Tokens
	monthly.CostUSD += d.CostUSD
	s.Monthly[MonthlyKey(now)] = monthly

	if s.FreeTrial == nil {
		s.FreeTrial = &FreeTrial{TotalRequestsCap: trialCap}
	}
	if !s.FreeTrial.IsLocked {
		s.FreeTrial.TotalRequestsUsed++
	}

	s.UpdatedAt = now
}

// lock latches the free trial shut. Idempotent; the counter is frozen
// from this point on.
func (s *Summary) lockFreeTrial(now time.Time, trialCap int) {
	if s.FreeTrial == nil {
		s.FreeTrial = &FreeTrial{TotalRequestsCap: trialCap}
	}
	if s.FreeTrial.IsLocked {
		return
	}
	s.FreeTrial.IsLocked = true
	lockedAt := now
	s.FreeTrial.LockedAt = &lockedAt
	s.UpdatedAt = now
}

// Store is the persistence contract for the usage ledger. ApplyUsage
// must be atomic per user: two concurrent calls for the same user may
// not lose an increment.
type Store interface {
	AppendEntry(ctx context.Context, e *LogEntry) error
	GetSummary(ctx context.Context, userID string) (*Summary, error)
	PutSummary(ctx context.Context, s *Summary) error
	ApplyUsage(ctx context.Context, userID string, d Delta, now time.Time) error
	LockFreeTrial(ctx context.Context, userID string, now time.Time) error
	EntriesByUser(ctx context.Context, userID string, from, to time.Time) ([]*LogEntry, error)
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

package usage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/viimlabs/viim-gateway/config"
)

// Record is what an inference call site reports after a provider call
// completes (fully or partially).
type Record struct {
	UserID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Ledger records completed inference calls and keeps the per-user
// aggregates consistent. Write failures are logged and swallowed:
// metering must never break the response the user already got.
type Ledger struct {
	store    Store
	defaults Defaults
}

func NewLedger(store Store, limits config.MeterLimits) *Ledger {
	return &Ledger{
		store:    store,
		defaults: DefaultsFromMeterLimits(limits),
	}
}

// LogUsage appends an immutable log entry and folds the call into the
// user's daily/monthly buckets and free-trial counter. It never
// returns an error; undercounting is preferred over blocking.
func (l *Ledger) LogUsage(ctx context.Context, rec Record) {
	now := time.Now()
	totalTokens := rec.PromptTokens + rec.CompletionTokens
	costUSD := EstimateCostUSD(rec.Model, rec.PromptTokens, rec.CompletionTokens)

	entry := &LogEntry{
		UserID:           rec.UserID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          costUSD,
		CreatedAt:        now,
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		log.Printf("usage: append entry for user %s: %v", rec.UserID, err)
	}

	delta := Delta{Tokens: int64(totalTokens), CostUSD: costUSD}
	if err := l.store.ApplyUsage(ctx, rec.UserID, delta, now); err != nil {
		log.Printf("usage: apply delta for user %s: %v", rec.UserID, err)
	}
}

// GetSummary returns the user's current summary, lazily creating and
// persisting a default one the first time. Read failures fail open
// with an in-memory default so callers are never blocked on a
// persistence hiccup.
func (l *Ledger) GetSummary(ctx context.Context, userID string) *Summary {
	s, err := l.store.GetSummary(ctx, userID)
	if err == nil {
		return s
	}

	fallback := l.defaults.NewSummary(userID, time.Now())
	if errors.Is(err, ErrSummaryNotFound) {
		if putErr := l.store.PutSummary(ctx, fallback); putErr != nil {
			log.Printf("usage: persist default summary for user %s: %v", userID, putErr)
		}
		return fallback
	}

	log.Printf("usage: read summary for user %s, serving default: %v", userID, err)
	return fallback
}

// Entries returns the user's raw log entries in [from, to], newest
// first. Diagnostic surface; errors propagate.
func (l *Ledger) Entries(ctx context.Context, userID string, from, to time.Time) ([]*LogEntry, error) {
	return l.store.EntriesByUser(ctx, userID, from, to)
}

// TotalCost returns the summed cost of the user's entries in [from, to].
func (l *Ledger) TotalCost(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	return l.store.TotalCostByUser(ctx, userID, from, to)
}

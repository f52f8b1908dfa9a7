package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viimlabs/viim-gateway/config"
)

// MemoryStore is an in-process Store for tests and DSN-less dev runs.
// A single mutex serializes summary mutations, which satisfies the
// same no-lost-increment contract the Postgres row lock provides.
type MemoryStore struct {
	mu        sync.Mutex
	defaults  Defaults
	entries   []*LogEntry
	summaries map[string]*Summary
}

func NewMemoryStore(limits config.MeterLimits) *MemoryStore {
	return &MemoryStore{
		defaults:  DefaultsFromMeterLimits(limits),
		summaries: make(map[string]*Summary),
	}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *e
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("entry-%d", len(s.entries)+1)
	}
	s.entries = append(s.entries, &stored)
	e.ID = stored.ID
	return nil
}

func (s *MemoryStore) GetSummary(_ context.Context, userID string) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, ok := s.summaries[userID]
	if !ok {
		return nil, ErrSummaryNotFound
	}
	return copySummary(summary), nil
}

func (s *MemoryStore) PutSummary(_ context.Context, summary *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[summary.UserID]; ok {
		// Mirror the durable store: lazy creation never clobbers an
		// existing row.
		return nil
	}
	s.summaries[summary.UserID] = copySummary(summary)
	return nil
}

func (s *MemoryStore) ApplyUsage(_ context.Context, userID string, d Delta, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked(userID, now).applyDelta(d, now, s.defaults.FreeTrialCap)
	return nil
}

func (s *MemoryStore) LockFreeTrial(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked(userID, now).lockFreeTrial(now, s.defaults.FreeTrialCap)
	return nil
}

// locked returns the user's summary for mutation, creating it if
// absent. Callers must hold s.mu.
func (s *MemoryStore) locked(userID string, now time.Time) *Summary {
	summary, ok := s.summaries[userID]
	if !ok {
		summary = s.defaults.NewSummary(userID, now)
		s.summaries[userID] = summary
	}
	return summary
}

func (s *MemoryStore) EntriesByUser(_ context.Context, userID string, from, to time.Time) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*LogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.UserID != userID || e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		copied := *e
		entries = append(entries, &copied)
	}
	return entries, nil
}

func (s *MemoryStore) TotalCostByUser(_ context.Context, userID string, from, to time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, e := range s.entries {
		if e.UserID == userID && !e.CreatedAt.Before(from) && !e.CreatedAt.After(to) {
			total += e.CostUSD
		}
	}
	return total, nil
}

func copySummary(s *Summary) *Summary {
	copied := *s
	copied.Daily = make(map[string]Bucket, len(s.Daily))
	for k, v := range s.Daily {
		copied.Daily[k] = v
	}
	copied.Monthly = make(map[string]Bucket, len(s.Monthly))
	for k, v := range s.Monthly {
		copied.Monthly[k] = v
	}
	if s.FreeTrial != nil {
		ft := *s.FreeTrial
		copied.FreeTrial = &ft
	}
	return &copied
}

package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests, mirroring the merge
// semantics of the Postgres upsert.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *MemoryStore) Upsert(_ context.Context, u *Upsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sub, ok := s.subs[u.UserID]
	if !ok {
		sub = &Subscription{UserID: u.UserID, CreatedAt: now}
		s.subs[u.UserID] = sub
	}

	sub.PlanID = u.PlanID
	sub.Status = u.Status
	if u.PriceID != "" {
		sub.PriceID = u.PriceID
	}
	if u.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = u.CurrentPeriodEnd
	}
	if u.CustomerID != "" {
		sub.CustomerID = u.CustomerID
	}
	if u.SubscriptionID != "" {
		sub.SubscriptionID = u.SubscriptionID
	}
	if u.CheckoutSessionID != "" {
		sub.CheckoutSessionID = u.CheckoutSessionID
	}
	sub.UpdatedAt = now
	return nil
}

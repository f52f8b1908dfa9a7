package subscription

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("subscription not found")

// Plan is the internal subscription tier vocabulary. The checker only
// ever sees these values.
type Plan string

const (
	PlanFree   Plan = "free"
	PlanPlus   Plan = "plus"
	PlanSuper  Plan = "super"
	PlanFamily Plan = "family"
)

// ParsePlan maps an external plan string to a known Plan. Unknown
// values return false.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanPlus, PlanSuper, PlanFamily:
		return Plan(s), true
	}
	return "", false
}

// Status is the internal subscription lifecycle vocabulary, a closed
// set. Provider statuses outside it degrade to StatusIncomplete.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
)

// StatusFromStripe maps a raw Stripe subscription status to the
// internal enum. Anything unrecognized becomes incomplete so the
// checker never handles an unbounded status space.
func StatusFromStripe(raw string) Status {
	switch Status(raw) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid:
		return Status(raw)
	}
	return StatusIncomplete
}

// Entitled reports whether the status grants the paid plan's
// entitlements. Everything else falls back to the free tier.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is the latest projected snapshot of a user's payment
// state. Stripe is the source of truth; this is a last-write-wins
// projection.
type Subscription struct {
	UserID            string     `json:"user_id"`
	PlanID            Plan       `json:"plan_id"`
	Status            Status     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CheckoutSessionID string     `json:"checkout_session_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Upsert carries a merge-write of the snapshot. Empty fields are left
// untouched on the stored row; a nil CurrentPeriodEnd is omitted, not
// nulled.
type Upsert struct {
	UserID            string
	PlanID            Plan
	Status            Status
	PriceID           string
	CurrentPeriodEnd  *time.Time
	CustomerID        string
	SubscriptionID    string
	CheckoutSessionID string
}

// Store persists subscription snapshots keyed by user. Upsert is
// last-write-wins: checkout completion and lifecycle webhooks may
// race, and Stripe redelivers the consistent final state.
type Store interface {
	Get(ctx context.Context, userID string) (*Subscription, error)
	Upsert(ctx context.Context, u *Upsert) error
}

// PriceTable maps internal paid tiers to Stripe price identifiers.
// Values come from configuration; the free tier has no price.
type PriceTable struct {
	Plus   string
	Super  string
	Family string
}

// PriceIDForPlan returns the Stripe price id for a paid plan, or ""
// for the free tier and unrecognized plans.
func (t PriceTable) PriceIDForPlan(plan Plan) string {
	switch plan {
	case PlanPlus:
		return t.Plus
	case PlanSuper:
		return t.Super
	case PlanFamily:
		return t.Family
	}
	return ""
}

// PlanFromPriceID is the inverse lookup. Unknown price ids return
// false; callers then fall back to the plan id carried in event
// metadata, if any.
func (t PriceTable) PlanFromPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return "", false
	}
	switch priceID {
	case t.Plus:
		return PlanPlus, true
	case t.Super:
		return PlanSuper, true
	case t.Family:
		return PlanFamily, true
	}
	return "", false
}

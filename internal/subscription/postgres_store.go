package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps one subscription row per user. Upsert merges:
// absent fields in the incoming snapshot keep their stored values,
// matching the provider's partial event payloads.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Subscription, error) {
	query := `
		SELECT user_id, plan_id, status, price_id, current_period_end, customer_id, subscription_id, checkout_session_id, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`

	var (
		sub               Subscription
		priceID           *string
		customerID        *string
		subscriptionID    *string
		checkoutSessionID *string
	)
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&sub.UserID, &sub.PlanID, &sub.Status,
		&priceID, &sub.CurrentPeriodEnd,
		&customerID, &subscriptionID, &checkoutSessionID,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if priceID != nil {
		sub.PriceID = *priceID
	}
	if customerID != nil {
		sub.CustomerID = *customerID
	}
	if subscriptionID != nil {
		sub.SubscriptionID = *subscriptionID
	}
	if checkoutSessionID != nil {
		sub.CheckoutSessionID = *checkoutSessionID
	}
	return &sub, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, u *Upsert) error {
	// Last write wins: checkout completion and lifecycle webhooks
	// race, and Stripe redelivers the final state anyway.
	query := `
		INSERT INTO subscriptions (user_id, plan_id, status, price_id, current_period_end, customer_id, subscription_id, checkout_session_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id             = EXCLUDED.plan_id,
			status              = EXCLUDED.status,
			price_id            = COALESCE(EXCLUDED.price_id, subscriptions.price_id),
			current_period_end  = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
			customer_id         = COALESCE(EXCLUDED.customer_id, subscriptions.customer_id),
			subscription_id     = COALESCE(EXCLUDED.subscription_id, subscriptions.subscription_id),
			checkout_session_id = COALESCE(EXCLUDED.checkout_session_id, subscriptions.checkout_session_id),
			updated_at          = now()
	`
	_, err := s.db.Exec(ctx, query,
		u.UserID, u.PlanID, u.Status, u.PriceID,
		u.CurrentPeriodEnd, u.CustomerID, u.SubscriptionID, u.CheckoutSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/viimlabs/viim-gateway/config"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps the append-only log in usage_logs and one
// summary row per user in usage_summaries, with the daily/monthly
// buckets and the free trial stored as JSONB. ApplyUsage and
// LockFreeTrial take a row lock so concurrent writers for the same
// user serialize instead of losing increments.
type PostgresStore struct {
	db       DB
	defaults Defaults
}

func NewPostgresStore(db DB, limits config.MeterLimits) Store {
	return &PostgresStore{db: db, defaults: DefaultsFromMeterLimits(limits)}
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e *LogEntry) error {
	query := `
		INSERT INTO usage_logs (user_id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		e.UserID, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD,
	).Scan(&e.ID, &e.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append usage entry: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	query := `
		SELECT user_id, daily, monthly, daily_token_limit, monthly_cost_limit_usd, free_trial, updated_at
		FROM usage_summaries
		WHERE user_id = $1
	`
	summary, err := scanSummary(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) PutSummary(ctx context.Context, summary *Summary) error {
	daily, monthly, freeTrial, err := marshalSummary(summary)
	if err != nil {
		return err
	}

	// DO NOTHING on conflict: a raced first write must not clobber
	// counters another writer already folded in.
	query := `
		INSERT INTO usage_summaries (user_id, daily, monthly, daily_token_limit, monthly_cost_limit_usd, free_trial, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err = s.db.Exec(ctx, query,
		summary.UserID, daily, monthly,
		summary.DailyTokenLimit, summary.MonthlyCostLimitUSD,
		freeTrial, summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put usage summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyUsage(ctx context.Context, userID string, d Delta, now time.Time) error {
	return s.withSummaryLock(ctx, userID, now, func(summary *Summary) {
		summary.applyDelta(d, now, s.defaults.FreeTrialCap)
	})
}

func (s *PostgresStore) LockFreeTrial(ctx context.Context, userID string, now time.Time) error {
	return s.withSummaryLock(ctx, userID, now, func(summary *Summary) {
		summary.lockFreeTrial(now, s.defaults.FreeTrialCap)
	})
}

// withSummaryLock runs mutate over the user's summary row inside a
// transaction holding SELECT ... FOR UPDATE, creating the row first if
// the user has no summary yet.
func (s *PostgresStore) withSummaryLock(ctx context.Context, userID string, now time.Time, mutate func(*Summary)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin summary tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT user_id, daily, monthly, daily_token_limit, monthly_cost_limit_usd, free_trial, updated_at
		FROM usage_summaries
		WHERE user_id = $1
		FOR UPDATE
	`
	summary, err := scanSummary(tx.QueryRow(ctx, lockQuery, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		fresh := s.defaults.NewSummary(userID, now)
		daily, monthly, freeTrial, mErr := marshalSummary(fresh)
		if mErr != nil {
			return mErr
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO usage_summaries (user_id, daily, monthly, daily_token_limit, monthly_cost_limit_usd, free_trial, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO NOTHING
		`, fresh.UserID, daily, monthly, fresh.DailyTokenLimit, fresh.MonthlyCostLimitUSD, freeTrial, fresh.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create usage summary: %w", err)
		}
		// Re-read under lock; a concurrent writer may have won the insert.
		summary, err = scanSummary(tx.QueryRow(ctx, lockQuery, userID))
	}
	if err != nil {
		return fmt.Errorf("failed to lock usage summary: %w", err)
	}

	mutate(summary)

	daily, monthly, freeTrial, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE usage_summaries
		SET daily = $2, monthly = $3, daily_token_limit = $4, monthly_cost_limit_usd = $5, free_trial = $6, updated_at = $7
		WHERE user_id = $1
	`, summary.UserID, daily, monthly, summary.DailyTokenLimit, summary.MonthlyCostLimitUSD, freeTrial, summary.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update usage summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit usage summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) EntriesByUser(ctx context.Context, userID string, from, to time.Time) ([]*LogEntry, error) {
	query := `
		SELECT id, user_id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		err := rows.Scan(
			&e.ID, &e.UserID, &e.Provider, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CostUSD, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage entries: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

func scanSummary(row pgx.Row) (*Summary, error) {
	var (
		summary   Summary
		daily     []byte
		monthly   []byte
		freeTrial []byte
	)
	err := row.Scan(
		&summary.UserID, &daily, &monthly,
		&summary.DailyTokenLimit, &summary.MonthlyCostLimitUSD,
		&freeTrial, &summary.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(daily, &summary.Daily); err != nil {
		return nil, fmt.Errorf("failed to decode daily buckets: %w", err)
	}
	if err := json.Unmarshal(monthly, &summary.Monthly); err != nil {
		return nil, fmt.Errorf("failed to decode monthly buckets: %w", err)
	}
	if len(freeTrial) > 0 {
		summary.FreeTrial = &FreeTrial{}
		if err := json.Unmarshal(freeTrial, summary.FreeTrial); err != nil {
			return nil, fmt.Errorf("failed to decode free trial: %w", err)
		}
	}
	return &summary, nil
}

func marshalSummary(s *Summary) (daily, monthly, freeTrial []byte, err error) {
	if daily, err = json.Marshal(s.Daily); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode daily buckets: %w", err)
	}
	if monthly, err = json.Marshal(s.Monthly); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode monthly buckets: %w", err)
	}
	if s.FreeTrial != nil {
		if freeTrial, err = json.Marshal(s.FreeTrial); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode free trial: %w", err)
		}
	}
	return daily, monthly, freeTrial, nil
}

package usage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/viimlabs/viim-gateway/config"
	"github.com/viimlabs/viim-gateway/internal/subscription"
)

// DenialCode is the machine-readable reason a check was denied.
type DenialCode string

const (
	CodeFreeTrialExhausted DenialCode = "FREE_TRIAL_EXHAUSTED"
	CodeDailyLimit         DenialCode = "DAILY_LIMIT"
	CodeMonthlyLimit       DenialCode = "MONTHLY_LIMIT"
)

// CheckResult is the allow/deny decision for one inference request.
// Reason and Code are set iff the request is denied. UsagePercent is
// an informational soft-warning signal on allowed results.
type CheckResult struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason,omitempty"`
	Code          DenialCode `json:"code,omitempty"`
	UsagePercent  float64    `json:"usage_percent,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
}

// SubscriptionSource is the slice of the subscription projector the
// checker reads: the latest snapshot per user.
type SubscriptionSource interface {
	Get(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Checker is the single decision point consulted before every
// inference call.
type Checker struct {
	subs   SubscriptionSource
	ledger *Ledger
	limits config.MeterLimits
}

func NewChecker(subs SubscriptionSource, ledger *Ledger, limits config.MeterLimits) *Checker {
	return &Checker{subs: subs, ledger: ledger, limits: limits}
}

// Check decides whether userID may start a new inference call. Rules
// apply in strict order: anonymous bypass, free-trial gate, daily
// token ceiling, monthly cost ceiling. Persistence failures fail open;
// legitimate usage is never blocked on an infrastructure hiccup.
func (c *Checker) Check(ctx context.Context, userID string) CheckResult {
	if userID == "" || userID == AnonymousUserID {
		return CheckResult{Allowed: true}
	}

	now := time.Now()
	plan, ok := c.resolvePlan(ctx, userID)
	if !ok {
		// Subscription store unreachable; fail open.
		return CheckResult{Allowed: true}
	}

	summary := c.ledger.GetSummary(ctx, userID)

	if plan == subscription.PlanFree {
		if res, denied := c.freeTrialGate(ctx, userID, summary, now); denied {
			return res
		}
	}

	if summary.DailyTokens(now) >= c.dailyLimitForPlan(plan) {
		return CheckResult{
			Allowed: false,
			Reason:  "Daily token limit reached",
			Code:    CodeDailyLimit,
		}
	}

	monthlyCost := summary.MonthlyCost(now)
	if summary.MonthlyCostLimitUSD > 0 && monthlyCost >= summary.MonthlyCostLimitUSD {
		return CheckResult{
			Allowed: false,
			Reason:  "Monthly usage limit reached",
			Code:    CodeMonthlyLimit,
		}
	}

	result := CheckResult{Allowed: true}
	if summary.MonthlyCostLimitUSD > 0 {
		result.UsagePercent = monthlyCost / summary.MonthlyCostLimitUSD * 100
	}
	return result
}

// resolvePlan reads the latest subscription snapshot. Only an active
// or trialing subscription grants its plan; a stale paid record in any
// other status falls back to free. ok is false only when the store is
// unreachable.
func (c *Checker) resolvePlan(ctx context.Context, userID string) (subscription.Plan, bool) {
	sub, err := c.subs.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return subscription.PlanFree, true
		}
		log.Printf("usage: subscription lookup for user %s, failing open: %v", userID, err)
		return "", false
	}
	if sub.Status.Entitled() {
		return sub.PlanID, true
	}
	return subscription.PlanFree, true
}

// freeTrialGate enforces the fixed-count free-plan allowance. Once the
// cap is hit the lock flag is latched and every later check
// short-circuits on the flag without recomputing the comparison. The
// lock is permanent here; upgrading to a paid plan skips this gate
// entirely, which leaves the flag inert rather than cleared.
func (c *Checker) freeTrialGate(ctx context.Context, userID string, summary *Summary, now time.Time) (CheckResult, bool) {
	used, trialCap, locked := 0, c.limits.FreeTrialCap, false
	if ft := summary.FreeTrial; ft != nil {
		used = ft.TotalRequestsUsed
		locked = ft.IsLocked
		if ft.TotalRequestsCap > 0 {
			trialCap = ft.TotalRequestsCap
		}
	}

	if !locked && used < trialCap {
		return CheckResult{}, false
	}

	if !locked {
		if err := c.ledger.store.LockFreeTrial(ctx, userID, now); err != nil {
			log.Printf("usage: lock free trial for user %s: %v", userID, err)
		}
	}
	return CheckResult{
		Allowed: false,
		Reason:  "Free trial exhausted. Upgrade to continue.",
		Code:    CodeFreeTrialExhausted,
	}, true
}

func (c *Checker) dailyLimitForPlan(plan subscription.Plan) int64 {
	switch plan {
	case subscription.PlanPlus:
		return c.limits.DailyTokensPlus
	case subscription.PlanSuper:
		return c.limits.DailyTokensSuper
	case subscription.PlanFamily:
		return c.limits.DailyTokensFamily
	}
	return c.limits.DailyTokensFree
}

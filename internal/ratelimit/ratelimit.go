// Package ratelimit admits or denies dispatches against hourly and daily
// sliding windows and a minimum spacing between actions.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// Ledger records admitted actions per key. ReserveAction must check the policy and
// record the action as one atomic step.
type Ledger interface {
	ReserveAction(ctx context.Context, key string, now time.Time, policy models.RateLimitPolicy) (models.RateDecision, error)
}

// PolicySource returns the stored per-(user, kind) policy or nil.
type PolicySource interface {
	GetPolicy(ctx context.Context, userID string, kind models.AutomationKind) (*models.RateLimitPolicy, error)
}

// Limiter resolves the effective policy of a rule and reserves quota in a Ledger.
type Limiter struct {
	ledger   Ledger
	policies PolicySource
	fallback models.RateLimitPolicy
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter. fallback applies when neither the rule nor the
// user's kind policy sets limits.
func NewLimiter(ledger Ledger, policies PolicySource, fallback models.RateLimitPolicy, opts ...Option) *Limiter {
	l := &Limiter{ledger: ledger, policies: policies, fallback: fallback, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key of a rule: rule-level overrides count per rule,
// everything else counts per (user, kind).
func Key(rule models.AutomationRule) string {
	if rule.RateLimit != nil {
		return "rule:" + rule.ID
	}
	return rule.UserID + ":" + string(rule.Kind)
}

// Policy returns the policy that governs the rule.
func (l *Limiter) Policy(ctx context.Context, rule models.AutomationRule) (models.RateLimitPolicy, error) {
	if rule.RateLimit != nil {
		return *rule.RateLimit, nil
	}
	if l.policies != nil {
		p, err := l.policies.GetPolicy(ctx, rule.UserID, rule.Kind)
		if err != nil {
			return models.RateLimitPolicy{}, fmt.Errorf("load rate limit policy: %w", err)
		}
		if p != nil {
			return *p, nil
		}
	}
	return l.fallback, nil
}

// Reserve admits one action for the rule or reports why it was denied.
// An admitted reservation is never refunded.
func (l *Limiter) Reserve(ctx context.Context, rule models.AutomationRule) (models.RateDecision, error) {
	policy, err := l.Policy(ctx, rule)
	if err != nil {
		return models.RateDecision{}, err
	}
	key := Key(rule)
	decision, err := l.ledger.ReserveAction(ctx, key, l.now(), policy)
	if err != nil {
		return models.RateDecision{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if !decision.Allowed {
		slog.Info("Limiter.Reserve: denied", "key", key, "ruleID", rule.ID, "reason", decision.Reason)
	}
	return decision, nil
}

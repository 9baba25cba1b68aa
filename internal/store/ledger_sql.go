package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// ReserveAction checks the policy against the actions already admitted for key and
// records a new action when it fits. Check and insert share one transaction; on
// PostgreSQL an advisory lock on the key serializes concurrent reservations.
func (s *sqlStore) ReserveAction(ctx context.Context, key string, now time.Time, policy models.RateLimitPolicy) (models.RateDecision, error) {
	now = now.UTC()
	var decision models.RateDecision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == dialectPostgres {
			if _, err := s.exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtext(?))`, key); err != nil {
				return fmt.Errorf("ledger lock failed: %w", err)
			}
		}

		dayAgo := now.Add(-24 * time.Hour)
		if _, err := s.exec(ctx, tx, `DELETE FROM rate_actions WHERE key = ? AND at <= ?`, key, dayAgo); err != nil {
			return fmt.Errorf("ledger prune failed: %w", err)
		}

		var hourly, daily int
		if err := s.queryRow(ctx, tx,
			`SELECT COUNT(*) FROM rate_actions WHERE key = ? AND at > ?`, key, now.Add(-time.Hour),
		).Scan(&hourly); err != nil {
			return fmt.Errorf("ledger hourly count failed: %w", err)
		}
		if hourly >= policy.MaxActionsPerHour {
			decision = models.Deny(models.DenyHourlyLimit)
			return nil
		}
		if err := s.queryRow(ctx, tx,
			`SELECT COUNT(*) FROM rate_actions WHERE key = ? AND at > ?`, key, dayAgo,
		).Scan(&daily); err != nil {
			return fmt.Errorf("ledger daily count failed: %w", err)
		}
		if daily >= policy.MaxActionsPerDay {
			decision = models.Deny(models.DenyDailyLimit)
			return nil
		}

		if minDelay := policy.MinDelay(); minDelay > 0 {
			var last time.Time
			err := s.queryRow(ctx, tx,
				`SELECT at FROM rate_actions WHERE key = ? ORDER BY at DESC LIMIT 1`, key,
			).Scan(&last)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("ledger last action lookup failed: %w", err)
			}
			if err == nil && now.Sub(last) < minDelay {
				decision = models.Deny(models.DenyMinDelay)
				return nil
			}
		}

		if _, err := s.exec(ctx, tx, `INSERT INTO rate_actions (key, at) VALUES (?, ?)`, key, now); err != nil {
			return fmt.Errorf("ledger insert failed: %w", err)
		}
		decision = models.Allow()
		return nil
	})
	if err != nil {
		return models.RateDecision{}, err
	}
	return decision, nil
}

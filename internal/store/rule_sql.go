package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/util"
)

const ruleColumns = `id, user_id, kind, name, triggers_json, match_type, case_sensitive, response_template,
	delay_seconds, priority, is_active, rate_limit_json, schedule, media_url, created_at, updated_at`

func scanRule(row rowScanner) (models.AutomationRule, error) {
	var r models.AutomationRule
	var triggersJSON string
	var rateLimitJSON sql.NullString
	err := row.Scan(
		&r.ID, &r.UserID, &r.Kind, &r.Name, &triggersJSON, &r.MatchType, &r.CaseSensitive, &r.ResponseTemplate,
		&r.DelaySeconds, &r.Priority, &r.IsActive, &rateLimitJSON, &r.Schedule, &r.MediaURL, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(triggersJSON), &r.Triggers); err != nil {
		return r, fmt.Errorf("decode triggers of rule %s failed: %w", r.ID, err)
	}
	if rateLimitJSON.Valid && rateLimitJSON.String != "" {
		var p models.RateLimitPolicy
		if err := json.Unmarshal([]byte(rateLimitJSON.String), &p); err != nil {
			return r, fmt.Errorf("decode rate limit of rule %s failed: %w", r.ID, err)
		}
		r.RateLimit = &p
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func collectRules(rows *sql.Rows) ([]models.AutomationRule, error) {
	defer rows.Close()
	rules := []models.AutomationRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule failed: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule iteration failed: %w", err)
	}
	return rules, nil
}

func ruleArgs(r *models.AutomationRule) (triggers string, rateLimit interface{}, err error) {
	triggersSlice := r.Triggers
	if triggersSlice == nil {
		triggersSlice = []string{}
	}
	if triggers, err = marshalJSON(triggersSlice); err != nil {
		return "", nil, err
	}
	if r.RateLimit != nil {
		rl, err := marshalJSON(r.RateLimit)
		if err != nil {
			return "", nil, err
		}
		rateLimit = rl
	}
	return triggers, rateLimit, nil
}

func priorityTaken(priority int) error {
	return models.NewValidationError("priority", fmt.Sprintf("priority %d is already used by another rule of this kind", priority))
}

func (s *sqlStore) insertRule(ctx context.Context, q querier, r *models.AutomationRule) error {
	triggers, rateLimit, err := ruleArgs(r)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q,
		`INSERT INTO automation_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, string(r.Kind), r.Name, triggers, string(r.MatchType), r.CaseSensitive, r.ResponseTemplate,
		r.DelaySeconds, r.Priority, r.IsActive, rateLimit, r.Schedule, r.MediaURL, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule failed: %w", err)
	}
	return nil
}

func (s *sqlStore) priorityUsed(ctx context.Context, q querier, userID string, kind models.AutomationKind, priority int, exceptID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, q,
		`SELECT COUNT(*) FROM automation_rules WHERE user_id = ? AND kind = ? AND priority = ? AND id <> ?`,
		userID, string(kind), priority, exceptID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("priority lookup failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	if rule.ID == "" {
		rule.ID = util.NewID("rule_")
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if rule.Priority == 0 {
			var next int
			if err := s.queryRow(ctx, tx,
				`SELECT COALESCE(MAX(priority), 0) + 1 FROM automation_rules WHERE user_id = ? AND kind = ?`,
				rule.UserID, string(rule.Kind),
			).Scan(&next); err != nil {
				return fmt.Errorf("next priority lookup failed: %w", err)
			}
			rule.Priority = next
		} else {
			used, err := s.priorityUsed(ctx, tx, rule.UserID, rule.Kind, rule.Priority, rule.ID)
			if err != nil {
				return err
			}
			if used {
				return priorityTaken(rule.Priority)
			}
		}
		return s.insertRule(ctx, tx, rule)
	})
	if err != nil {
		return err
	}
	slog.Debug(s.name+".CreateRule", "id", rule.ID, "userID", rule.UserID, "kind", rule.Kind, "priority", rule.Priority)
	return nil
}

func (s *sqlStore) GetRule(ctx context.Context, userID, ruleID string) (*models.AutomationRule, error) {
	r, err := scanRule(s.queryRow(ctx, s.db,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ? AND user_id = ?`, ruleID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule failed: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) FindRule(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	r, err := scanRule(s.queryRow(ctx, s.db, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rule failed: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) ListRules(ctx context.Context, userID string, kind models.AutomationKind) ([]models.AutomationRule, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE user_id = ? AND kind = ? ORDER BY priority ASC`,
		userID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list rules failed: %w", err)
	}
	return collectRules(rows)
}

func (s *sqlStore) ListActiveRulesByKind(ctx context.Context, kind models.AutomationKind) ([]models.AutomationRule, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE kind = ? AND is_active = ? ORDER BY user_id, priority ASC`,
		string(kind), true,
	)
	if err != nil {
		return nil, fmt.Errorf("list active rules failed: %w", err)
	}
	return collectRules(rows)
}

func (s *sqlStore) UpdateRule(ctx context.Context, rule *models.AutomationRule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanRule(s.queryRow(ctx, tx,
			`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ? AND user_id = ?`, rule.ID, rule.UserID))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrRuleNotFound
		}
		if err != nil {
			return fmt.Errorf("update rule lookup failed: %w", err)
		}

		rule.Kind = existing.Kind
		rule.CreatedAt = existing.CreatedAt
		if rule.Priority == 0 {
			rule.Priority = existing.Priority
		} else if rule.Priority != existing.Priority {
			used, err := s.priorityUsed(ctx, tx, rule.UserID, rule.Kind, rule.Priority, rule.ID)
			if err != nil {
				return err
			}
			if used {
				return priorityTaken(rule.Priority)
			}
		}
		rule.UpdatedAt = time.Now().UTC()

		triggers, rateLimit, err := ruleArgs(rule)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`UPDATE automation_rules SET name = ?, triggers_json = ?, match_type = ?, case_sensitive = ?,
				response_template = ?, delay_seconds = ?, priority = ?, is_active = ?, rate_limit_json = ?,
				schedule = ?, media_url = ?, updated_at = ?
			 WHERE id = ? AND user_id = ?`,
			rule.Name, triggers, string(rule.MatchType), rule.CaseSensitive,
			rule.ResponseTemplate, rule.DelaySeconds, rule.Priority, rule.IsActive, rateLimit,
			rule.Schedule, rule.MediaURL, rule.UpdatedAt, rule.ID, rule.UserID,
		)
		if err != nil {
			return fmt.Errorf("update rule failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) DeleteRule(ctx context.Context, userID, ruleID string) error {
	result, err := s.exec(ctx, s.db, `DELETE FROM automation_rules WHERE id = ? AND user_id = ?`, ruleID, userID)
	if err != nil {
		return fmt.Errorf("delete rule failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrRuleNotFound
	}
	slog.Debug(s.name+".DeleteRule", "id", ruleID, "userID", userID)
	return nil
}

func (s *sqlStore) ToggleRule(ctx context.Context, userID, ruleID string) (*models.AutomationRule, error) {
	var out models.AutomationRule
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx,
			`UPDATE automation_rules SET is_active = NOT is_active, updated_at = ? WHERE id = ? AND user_id = ?`,
			time.Now().UTC(), ruleID, userID,
		)
		if err != nil {
			return fmt.Errorf("toggle rule failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return models.ErrRuleNotFound
		}
		out, err = scanRule(s.queryRow(ctx, tx,
			`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, ruleID))
		if err != nil {
			return fmt.Errorf("toggle rule reload failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sqlStore) ruleIDs(ctx context.Context, q querier, userID string, kind models.AutomationKind) (map[string]time.Time, error) {
	rows, err := s.query(ctx, q,
		`SELECT id, created_at FROM automation_rules WHERE user_id = ? AND kind = ?`, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list rule ids failed: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var created time.Time
		if err := rows.Scan(&id, &created); err != nil {
			return nil, fmt.Errorf("scan rule id failed: %w", err)
		}
		ids[id] = created.UTC()
	}
	return ids, rows.Err()
}

func (s *sqlStore) ReorderRules(ctx context.Context, userID string, kind models.AutomationKind, orderedIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.ruleIDs(ctx, tx, userID, kind)
		if err != nil {
			return err
		}

		seen := make(map[string]bool, len(orderedIDs))
		for _, id := range orderedIDs {
			if _, ok := current[id]; !ok {
				return models.NewValidationError("orderedIds", fmt.Sprintf("rule %s does not belong to %s", id, kind))
			}
			if seen[id] {
				return models.NewValidationError("orderedIds", fmt.Sprintf("rule %s is listed more than once", id))
			}
			seen[id] = true
		}
		if len(seen) != len(current) {
			return models.NewValidationError("orderedIds", "orderedIds must list every rule of this kind")
		}

		// Move every rule out of the way first so the unique priority index never collides.
		for i, id := range orderedIDs {
			if _, err := s.exec(ctx, tx, `UPDATE automation_rules SET priority = ? WHERE id = ?`, -(i + 1), id); err != nil {
				return fmt.Errorf("reorder phase one failed: %w", err)
			}
		}
		now := time.Now().UTC()
		for i, id := range orderedIDs {
			if _, err := s.exec(ctx, tx,
				`UPDATE automation_rules SET priority = ?, updated_at = ? WHERE id = ?`, i+1, now, id); err != nil {
				return fmt.Errorf("reorder phase two failed: %w", err)
			}
		}
		slog.Debug(s.name+".ReorderRules", "userID", userID, "kind", kind, "count", len(orderedIDs))
		return nil
	})
}

func (s *sqlStore) ReplaceRuleSet(ctx context.Context, userID string, kind models.AutomationKind, rules []models.AutomationRule, policy *models.RateLimitPolicy) ([]models.AutomationRule, error) {
	out := make([]models.AutomationRule, len(rules))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if policy != nil {
			if err := s.savePolicy(ctx, tx, userID, kind, *policy); err != nil {
				return err
			}
		}
		existing, err := s.ruleIDs(ctx, tx, userID, kind)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM automation_rules WHERE user_id = ? AND kind = ?`, userID, string(kind)); err != nil {
			return fmt.Errorf("clear rule set failed: %w", err)
		}

		now := time.Now().UTC()
		used := make(map[string]bool, len(rules))
		for i := range rules {
			r := rules[i]
			r.UserID = userID
			r.Kind = kind
			r.Priority = i + 1
			r.UpdatedAt = now
			if created, ok := existing[r.ID]; ok && !used[r.ID] {
				r.CreatedAt = created
			} else {
				r.ID = util.NewID("rule_")
				r.CreatedAt = now
			}
			used[r.ID] = true
			if err := s.insertRule(ctx, tx, &r); err != nil {
				return err
			}
			out[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug(s.name+".ReplaceRuleSet", "userID", userID, "kind", kind, "count", len(out))
	return out, nil
}

func (s *sqlStore) GetPolicy(ctx context.Context, userID string, kind models.AutomationKind) (*models.RateLimitPolicy, error) {
	var p models.RateLimitPolicy
	err := s.queryRow(ctx, s.db,
		`SELECT max_per_hour, max_per_day, min_delay_seconds FROM rate_limit_policies WHERE user_id = ? AND kind = ?`,
		userID, string(kind),
	).Scan(&p.MaxActionsPerHour, &p.MaxActionsPerDay, &p.MinDelayBetweenActionsSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy failed: %w", err)
	}
	return &p, nil
}

func (s *sqlStore) SavePolicy(ctx context.Context, userID string, kind models.AutomationKind, policy models.RateLimitPolicy) error {
	return s.savePolicy(ctx, s.db, userID, kind, policy)
}

func (s *sqlStore) savePolicy(ctx context.Context, q querier, userID string, kind models.AutomationKind, policy models.RateLimitPolicy) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO rate_limit_policies (user_id, kind, max_per_hour, max_per_day, min_delay_seconds, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, kind) DO UPDATE SET
			max_per_hour = excluded.max_per_hour,
			max_per_day = excluded.max_per_day,
			min_delay_seconds = excluded.min_delay_seconds,
			updated_at = excluded.updated_at`,
		userID, string(kind), policy.MaxActionsPerHour, policy.MaxActionsPerDay, policy.MinDelayBetweenActionsSeconds, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save policy failed: %w", err)
	}
	return nil
}

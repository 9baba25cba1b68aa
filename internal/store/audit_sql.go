package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

func (s *sqlStore) RecordAudit(ctx context.Context, entry models.AuditEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO audit_log (user_id, kind, rule_id, event_id, outcome, reason, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, string(entry.Kind), entry.RuleID, entry.EventID, string(entry.Outcome), entry.Reason, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record audit failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CountOutcomes(ctx context.Context, userID string, since time.Time) ([]OutcomeRow, error) {
	day := "substr(at, 1, 10)"
	if s.dialect == dialectPostgres {
		day = "to_char(at AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	}
	rows, err := s.query(ctx, s.db,
		`SELECT kind, rule_id, `+day+` AS day, outcome, COUNT(*)
		 FROM audit_log WHERE user_id = ? AND at >= ?
		 GROUP BY kind, rule_id, day, outcome
		 ORDER BY day, kind, rule_id, outcome`,
		userID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("count outcomes failed: %w", err)
	}
	defer rows.Close()
	var out []OutcomeRow
	for rows.Next() {
		var r OutcomeRow
		if err := rows.Scan(&r.Kind, &r.RuleID, &r.Day, &r.Outcome, &r.Count); err != nil {
			return nil, fmt.Errorf("scan outcome row failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/util"
)

const dispatchColumns = `id, event_id, rule_id, user_id, kind, action, recipient, target_id, keyword, variables_json,
	rendered_message, status, deny_reason, error, scheduled_at, executed_at, created_at`

// Listing bounds for ListDispatches.
const (
	DefaultDispatchListLimit = 50
	MaxDispatchListLimit     = 500
)

func scanDispatch(row rowScanner) (models.DispatchRecord, error) {
	var d models.DispatchRecord
	var variablesJSON string
	var executedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.EventID, &d.RuleID, &d.UserID, &d.Kind, &d.Action, &d.Recipient, &d.TargetID, &d.Keyword, &variablesJSON,
		&d.RenderedMessage, &d.Status, &d.DenyReason, &d.Error, &d.ScheduledAt, &executedAt, &d.CreatedAt,
	)
	if err != nil {
		return d, err
	}
	if variablesJSON != "" {
		if err := json.Unmarshal([]byte(variablesJSON), &d.Variables); err != nil {
			return d, fmt.Errorf("decode variables of dispatch %s failed: %w", d.ID, err)
		}
	}
	d.ExecutedAt = timePtr(executedAt)
	d.ScheduledAt = d.ScheduledAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (s *sqlStore) CreateDispatch(ctx context.Context, rec *models.DispatchRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = util.NewID("dsp_")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.DispatchPending
	}
	vars := rec.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	variablesJSON, err := marshalJSON(vars)
	if err != nil {
		return false, err
	}

	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx,
			`INSERT INTO dispatch_records (`+dispatchColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (event_id, rule_id) DO NOTHING`,
			rec.ID, rec.EventID, rec.RuleID, rec.UserID, string(rec.Kind), string(rec.Action), rec.Recipient, rec.TargetID,
			rec.Keyword, variablesJSON, rec.RenderedMessage, string(rec.Status), rec.DenyReason, rec.Error,
			rec.ScheduledAt.UTC(), nullTime(rec.ExecutedAt), rec.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert dispatch failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 1 {
			created = true
			return nil
		}
		existing, err := scanDispatch(s.queryRow(ctx, tx,
			`SELECT `+dispatchColumns+` FROM dispatch_records WHERE event_id = ? AND rule_id = ?`, rec.EventID, rec.RuleID))
		if err != nil {
			return fmt.Errorf("load existing dispatch failed: %w", err)
		}
		*rec = existing
		return nil
	})
	if err != nil {
		return false, err
	}
	if !created {
		slog.Debug(s.name+".CreateDispatch: duplicate", "eventID", rec.EventID, "ruleID", rec.RuleID, "status", rec.Status)
	}
	return created, nil
}

func (s *sqlStore) GetDispatch(ctx context.Context, id string) (*models.DispatchRecord, error) {
	d, err := scanDispatch(s.queryRow(ctx, s.db, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch failed: %w", err)
	}
	return &d, nil
}

func (s *sqlStore) ClaimDispatch(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE dispatch_records SET claimed_at = ? WHERE id = ? AND status = 'pending' AND claimed_at IS NULL`,
		now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim dispatch failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) FinishDispatch(ctx context.Context, id string, outcome DispatchOutcome) (bool, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE dispatch_records SET status = ?, rendered_message = ?, deny_reason = ?, error = ?, executed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(outcome.Status), outcome.RenderedMessage, outcome.DenyReason, outcome.Error, nullTime(outcome.ExecutedAt), id,
	)
	if err != nil {
		return false, fmt.Errorf("finish dispatch failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) FailStaleDispatches(ctx context.Context, claimedBefore time.Time, reason string) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE dispatch_records SET status = 'failed', error = ?, executed_at = claimed_at
		 WHERE status = 'pending' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		reason, claimedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale dispatches failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Warn(s.name+".FailStaleDispatches", "failed", n)
	}
	return int(n), nil
}

func (s *sqlStore) CancelPendingDispatches(ctx context.Context, ruleID, reason string) ([]models.DispatchRecord, error) {
	rows, err := s.query(ctx, s.db,
		`UPDATE dispatch_records SET status = 'skipped', deny_reason = ?
		 WHERE rule_id = ? AND status = 'pending' AND claimed_at IS NULL
		 RETURNING id, event_id, rule_id, user_id, kind`,
		reason, ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel pending dispatches failed: %w", err)
	}
	defer rows.Close()
	var out []models.DispatchRecord
	for rows.Next() {
		d := models.DispatchRecord{Status: models.DispatchSkipped, DenyReason: reason}
		if err := rows.Scan(&d.ID, &d.EventID, &d.RuleID, &d.UserID, &d.Kind); err != nil {
			return nil, fmt.Errorf("scan cancelled dispatch failed: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		slog.Debug(s.name+".CancelPendingDispatches", "ruleID", ruleID, "cancelled", len(out))
	}
	return out, nil
}

func (s *sqlStore) ListDispatches(ctx context.Context, userID string, filter models.DispatchFilter) ([]models.DispatchRecord, error) {
	var where strings.Builder
	where.WriteString("user_id = ?")
	args := []interface{}{userID}
	if filter.Kind != "" {
		where.WriteString(" AND kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultDispatchListLimit
	}
	if limit > MaxDispatchListLimit {
		limit = MaxDispatchListLimit
	}
	args = append(args, limit)

	rows, err := s.query(ctx, s.db,
		`SELECT `+dispatchColumns+` FROM dispatch_records WHERE `+where.String()+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatches failed: %w", err)
	}
	defer rows.Close()
	out := []models.DispatchRecord{}
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch failed: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/util"
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if dedupeKey != "" {
			err := s.queryRow(ctx, tx,
				`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled') LIMIT 1`,
				dedupeKey,
			).Scan(&id)
			if err == nil {
				slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", id)
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("dedupe check failed: %w", err)
			}
		}

		id = util.NewID("job_")
		now := time.Now().UTC()
		_, err := s.exec(ctx, tx,
			`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
		)
		if err != nil {
			return fmt.Errorf("enqueue job failed: %w", err)
		}
		slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		return s.claimDueJobsSkipLocked(ctx, now, limit)
	}

	var jobs []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		jobs, err = collectJobs(rows)
		if err != nil {
			return err
		}
		for i := range jobs {
			if _, err := s.exec(ctx, tx,
				`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, jobs[i].ID,
			); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := now
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// claimDueJobsSkipLocked claims jobs in one statement so concurrent workers never
// receive the same row.
func (s *sqlStore) claimDueJobsSkipLocked(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.query(ctx, s.db,
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ?
			ORDER BY run_at ASC LIMIT ? FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var attempt, maxAttempts int
		if err := s.queryRow(ctx, tx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		var err error
		if attempt >= maxAttempts {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, now, id,
			)
		} else {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, nextRunAt.UTC(), now, id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

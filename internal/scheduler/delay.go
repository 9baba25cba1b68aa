package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// JobKindDispatch is the job kind that runs a delayed dispatch.
const JobKindDispatch = "dispatch"

type dispatchPayload struct {
	DispatchID string `json:"dispatchId"`
}

// Executor runs a dispatch record when its delay has elapsed.
type Executor interface {
	Execute(ctx context.Context, dispatchID string) error
}

// DelayQueue defers dispatches through the durable job queue, so pending
// dispatches survive a restart.
type DelayQueue struct {
	jobs   store.JobRepo
	runner *store.JobRunner
	now    func() time.Time
}

// NewDelayQueue creates a DelayQueue. runner may be nil when jobs are executed
// by another process.
func NewDelayQueue(jobs store.JobRepo, runner *store.JobRunner) *DelayQueue {
	return &DelayQueue{jobs: jobs, runner: runner, now: time.Now}
}

// DedupeKey is the job key of a dispatch: one live job per (event, rule).
func DedupeKey(rec models.DispatchRecord) string {
	return "dispatch:" + rec.EventID + ":" + rec.RuleID
}

// Schedule queues rec to run after delay. Scheduling the same record twice
// returns the existing job.
func (q *DelayQueue) Schedule(ctx context.Context, rec models.DispatchRecord, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(dispatchPayload{DispatchID: rec.ID})
	if err != nil {
		return "", fmt.Errorf("encode dispatch payload: %w", err)
	}
	runAt := q.now().UTC().Add(delay)
	jobID, err := q.jobs.EnqueueJob(ctx, JobKindDispatch, runAt, string(payload), DedupeKey(rec))
	if err != nil {
		return "", fmt.Errorf("enqueue dispatch %s: %w", rec.ID, err)
	}
	slog.Debug("DelayQueue.Schedule: queued", "dispatchID", rec.ID, "jobID", jobID, "runAt", runAt)
	if delay == 0 && q.runner != nil {
		q.runner.Notify()
	}
	return jobID, nil
}

// Register installs the dispatch job handler on the runner.
func (q *DelayQueue) Register(exec Executor) {
	if q.runner == nil {
		return
	}
	q.runner.RegisterHandler(JobKindDispatch, func(ctx context.Context, payload string) error {
		var p dispatchPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode dispatch payload: %w", err)
		}
		if p.DispatchID == "" {
			return fmt.Errorf("dispatch payload without id")
		}
		return exec.Execute(ctx, p.DispatchID)
	})
}

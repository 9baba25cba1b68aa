package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner defaults.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobConcurrency    = 4
	maxJobBackoff            = time.Hour
)

// JobHandler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs and runs them on registered handlers. Jobs of one
// claimed batch run in parallel, up to the configured concurrency.
type JobRunner struct {
	repo     JobRepo
	handlers map[string]JobHandler
	mu       sync.RWMutex

	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	concurrency    int

	wake chan struct{}
	now  func() time.Time
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithClaimLimit caps how many jobs one poll claims.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithConcurrency caps how many claimed jobs run at once.
func WithConcurrency(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before recovery
// requeues it.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// NewJobRunner creates a JobRunner. A non-positive pollInterval falls back to
// DefaultJobPollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		claimLimit:     DefaultJobClaimLimit,
		concurrency:    DefaultJobConcurrency,
		wake:           make(chan struct{}, 1),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers the handler for a job kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Notify asks the runner to poll now instead of waiting for the next tick.
// It never blocks.
func (r *JobRunner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RecoverStaleJobs requeues jobs left running by a previous process.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled. A poll in progress finishes its batch
// before Run returns.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting", "pollInterval", r.pollInterval, "concurrency", r.concurrency)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
		case <-r.wake:
		}
		// Drain until a poll comes back short, so a burst of due jobs does not
		// wait for further ticks.
		for r.poll(ctx) == r.claimLimit {
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// poll claims one batch, runs it and returns the batch size.
func (r *JobRunner) poll(ctx context.Context) int {
	jobs, err := r.repo.ClaimDueJobs(ctx, r.now(), r.claimLimit)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("JobRunner.poll: claim failed", "error", err)
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job Job) {
			defer func() {
				<-sem
				wg.Done()
			}()
			r.execute(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	handler, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		r.fail(ctx, job, "no handler registered for kind: "+job.Kind, time.Minute)
		return
	}

	slog.Debug("JobRunner.execute: running job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		r.fail(ctx, job, err.Error(), backoff(job.Attempt))
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.execute: complete failed", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}

func (r *JobRunner) fail(ctx context.Context, job Job, reason string, retryIn time.Duration) {
	if err := r.repo.FailJob(ctx, job.ID, reason, r.now().Add(retryIn)); err != nil {
		slog.Error("JobRunner.fail: update failed", "id", job.ID, "error", err)
	}
}

// backoff doubles from 30s per attempt and stops growing at one hour.
func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 7 {
		return maxJobBackoff
	}
	d := time.Duration(30*(1<<attempt)) * time.Second
	if d > maxJobBackoff {
		return maxJobBackoff
	}
	return d
}

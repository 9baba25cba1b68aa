package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/store"
)

// ReasonInterrupted is recorded on dispatches whose worker died mid-send.
const ReasonInterrupted = "interrupted"

// PostReloader rebuilds cron registrations from the store.
type PostReloader interface {
	Reload(ctx context.Context) error
}

// JobRecovery requeues jobs that were running when the process stopped.
func JobRecovery(runner *store.JobRunner) Recoverable {
	return RecoverFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		return runner.RecoverStaleJobs(ctx)
	})
}

// OutboxRecovery requeues alerts that were being sent when the process stopped.
func OutboxRecovery(sender *store.OutboxSender) Recoverable {
	return RecoverFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		return sender.RecoverStaleMessages(ctx)
	})
}

// DispatchRecovery fails dispatches claimed more than staleAfter before
// startup. The send may already have reached Instagram, so they are never
// retried. staleAfter must exceed the send timeout when several processes
// share a database.
func DispatchRecovery(staleAfter time.Duration) Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		claimedBefore := registry.StartedAt().Add(-staleAfter)
		n, err := registry.GetStore().FailStaleDispatches(ctx, claimedBefore, ReasonInterrupted)
		if err != nil {
			return fmt.Errorf("fail stale dispatches: %w", err)
		}
		if n > 0 {
			slog.Warn("DispatchRecovery: interrupted dispatches marked failed", "count", n)
		}
		return nil
	})
}

// PostScheduleRecovery registers cron entries for every active scheduled post.
func PostScheduleRecovery(posts PostReloader) Recoverable {
	return RecoverFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		return posts.Reload(ctx)
	})
}

// Package recovery restores durable state when InstaPipe restarts: jobs and
// outbox rows left in flight are requeued, interrupted dispatches are closed
// and cron registrations for scheduled posts are rebuilt.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context, registry *RecoveryRegistry) error

// RecoverState implements Recoverable.
func (f RecoverFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store     store.Store
	startedAt time.Time
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, startedAt: time.Now()}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// StartedAt is the time recovery began. Work claimed before it by a previous
// process can no longer complete.
func (r *RecoveryRegistry) StartedAt() time.Time {
	return r.startedAt
}

type namedRecoverable struct {
	name string
	Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(st)}
}

// RegisterRecoverable adds a component that can be recovered. Components run
// in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, Recoverable: r})
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	errorCount := 0
	for _, r := range rm.recoverables {
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", r.name, "error", err)
			errorCount++
			continue
		}
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", r.name)
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", len(rm.recoverables)-errorCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

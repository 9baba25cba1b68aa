package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// MemoryLedger is a process-local Ledger. Each key has its own mutex so
// reservations on different keys never contend.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]*window
}

type window struct {
	mu      sync.Mutex
	actions []time.Time // ascending
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]*window)}
}

func (m *MemoryLedger) window(key string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.keys[key]
	if !ok {
		w = &window{}
		m.keys[key] = w
	}
	return w
}

// ReserveAction implements Ledger.
func (m *MemoryLedger) ReserveAction(_ context.Context, key string, now time.Time, policy models.RateLimitPolicy) (models.RateDecision, error) {
	w := m.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)
	kept := w.actions[:0]
	for _, at := range w.actions {
		if at.After(dayAgo) {
			kept = append(kept, at)
		}
	}
	w.actions = kept

	hourly := 0
	for _, at := range w.actions {
		if at.After(hourAgo) {
			hourly++
		}
	}
	if hourly >= policy.MaxActionsPerHour {
		return models.Deny(models.DenyHourlyLimit), nil
	}
	if len(w.actions) >= policy.MaxActionsPerDay {
		return models.Deny(models.DenyDailyLimit), nil
	}
	if delay := policy.MinDelay(); delay > 0 && len(w.actions) > 0 {
		if now.Sub(w.actions[len(w.actions)-1]) < delay {
			return models.Deny(models.DenyMinDelay), nil
		}
	}

	w.actions = append(w.actions, now)
	return models.Allow(), nil
}

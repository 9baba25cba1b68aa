// Package audit records every observable automation outcome and derives the
// analytics projections served by the API.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

// Recorder persists entries to the audit log and mirrors them into Prometheus.
// Recording never fails the caller: a storage error is logged and dropped.
type Recorder struct {
	repo    store.AuditRepo
	metrics *Metrics
	now     func() time.Time
}

// NewRecorder creates a Recorder. metrics may be nil.
func NewRecorder(repo store.AuditRepo, metrics *Metrics) *Recorder {
	return &Recorder{repo: repo, metrics: metrics, now: time.Now}
}

// Record implements Sink.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = r.now().UTC()
	}
	if r.metrics != nil {
		kind := string(entry.Kind)
		if kind == "" {
			kind = "none"
		}
		r.metrics.Outcomes.WithLabelValues(kind, string(entry.Outcome)).Inc()
		if entry.Outcome == models.OutcomeRateLimited {
			r.metrics.RateDenials.WithLabelValues(kind, entry.Reason).Inc()
		}
	}
	if r.repo == nil {
		return
	}
	if err := r.repo.RecordAudit(ctx, entry); err != nil {
		slog.Error("Recorder.Record: failed to persist audit entry", "userID", entry.UserID, "eventID", entry.EventID, "outcome", entry.Outcome, "error", err)
	}
}

// MemorySink collects entries in memory. Used by tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, entry models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

// Entries returns the recorded entries.
func (m *MemorySink) Entries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.entries...)
}

// Count returns how many entries carry the outcome.
func (m *MemorySink) Count(outcome models.AuditOutcome) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}

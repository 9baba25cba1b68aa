// Package dispatch executes scheduled dispatch records: it renders the rule's
// template and performs the outbound action at most once per (event, rule).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/messaging"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/render"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// DefaultTimeout bounds a single outbound send.
const DefaultTimeout = 10 * time.Second

// Skip reasons recorded on dispatch records and audit entries.
const (
	ReasonRuleDeleted  = "rule_deleted"
	ReasonRuleInactive = "rule_inactive"
	ReasonNotConnected = "not_connected"
)

// RuleFinder loads a rule by ID.
type RuleFinder interface {
	FindRule(ctx context.Context, ruleID string) (*models.AutomationRule, error)
}

// ConnectionSource loads a user's Instagram connection.
type ConnectionSource interface {
	GetConnection(ctx context.Context, userID string) (*models.InstagramConnection, error)
}

// AlertNotifier queues operator alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, a alert.Alert, dedupeKey string) error
}

// Dispatcher performs pending dispatch records.
type Dispatcher struct {
	records store.DispatchRepo
	rules   RuleFinder
	conns   ConnectionSource
	sender  messaging.Service
	sink    audit.Sink
	alerts  AlertNotifier
	metrics *audit.Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithAlerts sends an operator alert for every failed send.
func WithAlerts(n AlertNotifier) Option {
	return func(x *Dispatcher) { x.alerts = n }
}

// WithMetrics records send latency.
func WithMetrics(m *audit.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) { x.now = now }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(records store.DispatchRepo, rules RuleFinder, conns ConnectionSource, sender messaging.Service, sink audit.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		records: records,
		rules:   rules,
		conns:   conns,
		sender:  sender,
		sink:    sink,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs the dispatch record with the given ID. The returned error is
// reserved for storage failures; skipped, sent and failed records are normal
// outcomes and return nil. A record that another worker already claimed, or
// that is terminal, is left untouched.
func (d *Dispatcher) Execute(ctx context.Context, dispatchID string) error {
	rec, err := d.records.GetDispatch(ctx, dispatchID)
	if err != nil {
		return fmt.Errorf("load dispatch %s: %w", dispatchID, err)
	}
	if rec == nil {
		slog.Warn("Dispatcher.Execute: dispatch not found", "id", dispatchID)
		return nil
	}
	if rec.Status.IsTerminal() {
		slog.Debug("Dispatcher.Execute: already terminal", "id", rec.ID, "status", rec.Status)
		return nil
	}

	claimed, err := d.records.ClaimDispatch(ctx, rec.ID, d.now().UTC())
	if err != nil {
		return fmt.Errorf("claim dispatch %s: %w", rec.ID, err)
	}
	if !claimed {
		slog.Debug("Dispatcher.Execute: claimed elsewhere", "id", rec.ID)
		return nil
	}

	rule, err := d.rules.FindRule(ctx, rec.RuleID)
	if err != nil {
		return d.fail(ctx, rec, fmt.Errorf("load rule: %w", err), "")
	}
	switch {
	case rule == nil:
		return d.skip(ctx, rec, ReasonRuleDeleted)
	case !rule.IsActive:
		return d.skip(ctx, rec, ReasonRuleInactive)
	}

	conn, err := d.conns.GetConnection(ctx, rec.UserID)
	if err != nil {
		return d.fail(ctx, rec, fmt.Errorf("load connection: %w", err), "")
	}
	if !conn.IsLive() {
		return d.skip(ctx, rec, ReasonNotConnected)
	}

	body := render.Render(rule.ResponseTemplate, rec.Variables)
	action := messaging.Action{
		Type:        rec.Action,
		AccountID:   conn.IGUserID,
		AccessToken: conn.AccessToken,
		Recipient:   rec.Recipient,
		TargetID:    rec.TargetID,
		Body:        body,
		MediaURL:    rule.MediaURL,
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.sender.Send(sendCtx, action)
	cancel()
	d.observe(rec.Action, err, time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("send timed out after %s: %w", d.timeout, err)
		}
		return d.fail(ctx, rec, err, body)
	}

	executed := d.now().UTC()
	finished, ferr := d.records.FinishDispatch(ctx, rec.ID, store.DispatchOutcome{
		Status:          models.DispatchSent,
		RenderedMessage: body,
		ExecutedAt:      &executed,
	})
	if ferr != nil {
		return fmt.Errorf("finish dispatch %s: %w", rec.ID, ferr)
	}
	if finished {
		slog.Info("Dispatcher.Execute: sent", "id", rec.ID, "ruleID", rec.RuleID, "action", rec.Action)
		d.audit(ctx, rec, models.OutcomeSent, "")
	}
	return nil
}

func (d *Dispatcher) skip(ctx context.Context, rec *models.DispatchRecord, reason string) error {
	finished, err := d.records.FinishDispatch(ctx, rec.ID, store.DispatchOutcome{
		Status:     models.DispatchSkipped,
		DenyReason: reason,
	})
	if err != nil {
		return fmt.Errorf("skip dispatch %s: %w", rec.ID, err)
	}
	if finished {
		slog.Info("Dispatcher.Execute: skipped", "id", rec.ID, "ruleID", rec.RuleID, "reason", reason)
		d.audit(ctx, rec, models.OutcomeSkipped, reason)
	}
	return nil
}

// fail records a failed send. The quota reserved for the record stays consumed.
func (d *Dispatcher) fail(ctx context.Context, rec *models.DispatchRecord, cause error, body string) error {
	executed := d.now().UTC()
	finished, err := d.records.FinishDispatch(ctx, rec.ID, store.DispatchOutcome{
		Status:          models.DispatchFailed,
		RenderedMessage: body,
		Error:           cause.Error(),
		ExecutedAt:      &executed,
	})
	if err != nil {
		return fmt.Errorf("fail dispatch %s: %w", rec.ID, err)
	}
	if !finished {
		return nil
	}
	slog.Error("Dispatcher.Execute: failed", "id", rec.ID, "ruleID", rec.RuleID, "action", rec.Action, "error", cause)
	d.audit(ctx, rec, models.OutcomeFailed, cause.Error())

	if d.alerts != nil {
		a := alert.Alert{
			Kind:    alert.KindDispatchFailed,
			UserID:  rec.UserID,
			Subject: fmt.Sprintf("%s for rule %s failed", rec.Action, rec.RuleID),
			Detail:  cause.Error(),
		}
		if err := d.alerts.Notify(ctx, a, "dispatch:"+rec.ID); err != nil {
			slog.Error("Dispatcher.fail: alert not queued", "id", rec.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, rec *models.DispatchRecord, outcome models.AuditOutcome, reason string) {
	if d.sink == nil {
		return
	}
	d.sink.Record(ctx, models.AuditEntry{
		UserID:  rec.UserID,
		Kind:    rec.Kind,
		RuleID:  rec.RuleID,
		EventID: rec.EventID,
		Outcome: outcome,
		Reason:  reason,
		At:      d.now().UTC(),
	})
}

func (d *Dispatcher) observe(action models.ActionType, err error, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.SendDuration.WithLabelValues(string(action), result).Observe(elapsed.Seconds())
}

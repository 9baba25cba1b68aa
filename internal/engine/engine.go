// Package engine runs inbound events through the automation pipeline:
// dedup, connection gate, matching, rate limiting and scheduling. Every
// outcome is recorded in the audit sink.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/matcher"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/render"
	"github.com/BTreeMap/InstaPipe/internal/store"
	"github.com/BTreeMap/InstaPipe/internal/util"
)

// ReasonNotConnected marks events dropped because the owner has no live connection.
const ReasonNotConnected = "not_connected"

// Repository is the persistence the engine needs.
type Repository interface {
	ListRules(ctx context.Context, userID string, kind models.AutomationKind) ([]models.AutomationRule, error)
	GetConnection(ctx context.Context, userID string) (*models.InstagramConnection, error)
	CreateDispatch(ctx context.Context, rec *models.DispatchRecord) (bool, error)
	FinishDispatch(ctx context.Context, id string, outcome store.DispatchOutcome) (bool, error)
	RecordInbound(ctx context.Context, messageID, ownerID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	ForgetInbound(ctx context.Context, messageID string) error
}

// Reserver admits or denies one action for a rule.
type Reserver interface {
	Reserve(ctx context.Context, rule models.AutomationRule) (models.RateDecision, error)
}

// Scheduler defers a pending dispatch by delay.
type Scheduler interface {
	Schedule(ctx context.Context, rec models.DispatchRecord, delay time.Duration) (string, error)
}

// Outcome reports what happened to one event.
type Outcome struct {
	EventID   string                 `json:"eventId"`
	Duplicate bool                   `json:"duplicate,omitempty"`
	Skipped   string                 `json:"skipped,omitempty"`
	Matched   bool                   `json:"matched"`
	RuleID    string                 `json:"ruleId,omitempty"`
	Keyword   string                 `json:"keyword,omitempty"`
	Decision  *models.RateDecision   `json:"decision,omitempty"`
	Dispatch  *models.DispatchRecord `json:"dispatch,omitempty"`
}

// Engine is the event pipeline.
type Engine struct {
	repo      Repository
	limiter   Reserver
	scheduler Scheduler
	sink      audit.Sink
	metrics   *audit.Metrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts duplicate deliveries.
func WithMetrics(m *audit.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(repo Repository, limiter Reserver, scheduler Scheduler, sink audit.Sink, opts ...Option) *Engine {
	e := &Engine{repo: repo, limiter: limiter, scheduler: scheduler, sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleEvent processes one inbound event. Rate-limit denials and unmatched
// events are outcomes, not errors; the error is reserved for storage failures
// and malformed events. An event that fails is forgotten by dedup so a
// redelivery runs it again.
func (e *Engine) HandleEvent(ctx context.Context, ev models.InboundEvent) (out *Outcome, err error) {
	if ev.UserID == "" {
		return nil, models.NewValidationError("userId", "event has no owner")
	}
	if len(ev.Kind.RuleKinds()) == 0 {
		return nil, models.NewValidationError("kind", fmt.Sprintf("unsupported event kind %q", ev.Kind))
	}
	if ev.ID == "" {
		ev.ID = util.NewID("evt_")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now().UTC()
	}
	out = &Outcome{EventID: ev.ID}

	fresh, err := e.repo.RecordInbound(ctx, ev.ID, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("record inbound %s: %w", ev.ID, err)
	}
	if !fresh {
		slog.Debug("Engine.HandleEvent: duplicate event", "eventID", ev.ID)
		if e.metrics != nil {
			e.metrics.DuplicateEvents.Inc()
		}
		out.Duplicate = true
		return out, nil
	}
	defer e.settle(ctx, ev.ID, &err)

	live, err := e.connected(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	if !live {
		e.audit(ctx, models.AuditEntry{UserID: ev.UserID, EventID: ev.ID, Outcome: models.OutcomeSkipped, Reason: ReasonNotConnected})
		out.Skipped = ReasonNotConnected
		return out, nil
	}

	var candidates []models.AutomationRule
	for _, kind := range ev.Kind.RuleKinds() {
		rules, err := e.repo.ListRules(ctx, ev.UserID, kind)
		if err != nil {
			return nil, fmt.Errorf("list %s rules: %w", kind, err)
		}
		candidates = append(candidates, rules...)
	}

	match := matcher.Match(ev, candidates)
	if match == nil {
		slog.Debug("Engine.HandleEvent: no rule matched", "eventID", ev.ID, "kind", ev.Kind)
		e.audit(ctx, models.AuditEntry{UserID: ev.UserID, EventID: ev.ID, Outcome: models.OutcomeUnmatched})
		return out, nil
	}
	out.Matched = true
	out.RuleID = match.Rule.ID
	out.Keyword = match.Keyword

	rec := models.DispatchRecord{
		EventID:   ev.ID,
		Recipient: ev.SourceUserID,
		TargetID:  ev.CommentID,
		Keyword:   match.Keyword,
		Variables: render.VariablesFor(ev, match.Keyword),
	}
	if err := e.trigger(ctx, match.Rule, &rec, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FirePost runs one tick of a scheduled_post rule through reservation and
// scheduling. Ticks of the same rule and minute collapse into one dispatch.
func (e *Engine) FirePost(ctx context.Context, rule models.AutomationRule, at time.Time) (*Outcome, error) {
	eventID := fmt.Sprintf("post:%s:%d", rule.ID, at.Unix()/60)
	out := &Outcome{EventID: eventID}

	live, err := e.connected(ctx, rule.UserID)
	if err != nil {
		return nil, err
	}
	if !live {
		e.audit(ctx, models.AuditEntry{UserID: rule.UserID, Kind: rule.Kind, RuleID: rule.ID, EventID: eventID, Outcome: models.OutcomeSkipped, Reason: ReasonNotConnected})
		out.Skipped = ReasonNotConnected
		return out, nil
	}

	out.Matched = true
	out.RuleID = rule.ID
	rec := models.DispatchRecord{EventID: eventID, Variables: map[string]string{}}
	if err := e.trigger(ctx, rule, &rec, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HandlePostTick adapts FirePost to the post scheduler callback.
func (e *Engine) HandlePostTick(ctx context.Context, rule models.AutomationRule, at time.Time) {
	if _, err := e.FirePost(ctx, rule, at); err != nil {
		slog.Error("Engine.HandlePostTick: failed", "ruleID", rule.ID, "error", err)
	}
}

// settle marks a handled event processed, or drops its dedup row when handling
// failed.
func (e *Engine) settle(ctx context.Context, eventID string, errp *error) {
	ctx = context.WithoutCancel(ctx)
	if *errp != nil {
		if err := e.repo.ForgetInbound(ctx, eventID); err != nil {
			slog.Error("Engine.HandleEvent: forget inbound failed", "eventID", eventID, "error", err)
		}
		return
	}
	if err := e.repo.MarkProcessed(ctx, eventID); err != nil {
		slog.Error("Engine.HandleEvent: mark processed failed", "eventID", eventID, "error", err)
	}
}

func (e *Engine) connected(ctx context.Context, userID string) (bool, error) {
	conn, err := e.repo.GetConnection(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load connection of %s: %w", userID, err)
	}
	return conn.IsLive(), nil
}

// trigger creates the dispatch record for a matched rule, reserves quota and
// schedules it. A record that already exists for the event and rule is
// returned as is, without reserving again.
func (e *Engine) trigger(ctx context.Context, rule models.AutomationRule, rec *models.DispatchRecord, out *Outcome) error {
	delay := time.Duration(rule.DelaySeconds) * time.Second
	rec.RuleID = rule.ID
	rec.UserID = rule.UserID
	rec.Kind = rule.Kind
	rec.Action = rule.Kind.Action()
	rec.Status = models.DispatchPending
	rec.ScheduledAt = e.now().UTC().Add(delay)

	created, err := e.repo.CreateDispatch(ctx, rec)
	if err != nil {
		return fmt.Errorf("create dispatch: %w", err)
	}
	out.Dispatch = rec
	if !created {
		slog.Debug("Engine.trigger: dispatch already exists", "eventID", rec.EventID, "ruleID", rule.ID, "status", rec.Status)
		return nil
	}
	e.audit(ctx, models.AuditEntry{UserID: rule.UserID, Kind: rule.Kind, RuleID: rule.ID, EventID: rec.EventID, Outcome: models.OutcomeTriggered})

	decision, err := e.limiter.Reserve(ctx, rule)
	if err != nil {
		e.finish(ctx, rec, store.DispatchOutcome{Status: models.DispatchFailed, Error: err.Error()}, models.OutcomeFailed, "")
		return fmt.Errorf("reserve quota: %w", err)
	}
	out.Decision = &decision
	if !decision.Allowed {
		e.finish(ctx, rec, store.DispatchOutcome{Status: models.DispatchRateLimited, DenyReason: decision.Reason}, models.OutcomeRateLimited, decision.Reason)
		return nil
	}

	if _, err := e.scheduler.Schedule(ctx, *rec, delay); err != nil {
		e.finish(ctx, rec, store.DispatchOutcome{Status: models.DispatchFailed, Error: err.Error()}, models.OutcomeFailed, "")
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	slog.Info("Engine.trigger: dispatch scheduled", "id", rec.ID, "eventID", rec.EventID, "ruleID", rule.ID, "delay", delay)
	return nil
}

func (e *Engine) finish(ctx context.Context, rec *models.DispatchRecord, outcome store.DispatchOutcome, audited models.AuditOutcome, reason string) {
	finished, err := e.repo.FinishDispatch(ctx, rec.ID, outcome)
	if err != nil {
		slog.Error("Engine.finish: update failed", "id", rec.ID, "status", outcome.Status, "error", err)
		return
	}
	if !finished {
		return
	}
	rec.Status = outcome.Status
	rec.DenyReason = outcome.DenyReason
	rec.Error = outcome.Error
	e.audit(ctx, models.AuditEntry{UserID: rec.UserID, Kind: rec.Kind, RuleID: rec.RuleID, EventID: rec.EventID, Outcome: audited, Reason: reason})
}

func (e *Engine) audit(ctx context.Context, entry models.AuditEntry) {
	if e.sink == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = e.now().UTC()
	}
	e.sink.Record(ctx, entry)
}

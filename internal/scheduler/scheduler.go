// Package scheduler defers dispatches and fires scheduled posts.
//
// Delayed dispatches go through the durable job queue (DelayQueue). Scheduled
// posts are driven by cron expressions (PostScheduler).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/models"
)

// PostRules lists the active scheduled_post rules.
type PostRules interface {
	ListActiveRulesByKind(ctx context.Context, kind models.AutomationKind) ([]models.AutomationRule, error)
}

// PostFunc handles one tick of a scheduled_post rule. at is the tick time
// truncated to the minute.
type PostFunc func(ctx context.Context, rule models.AutomationRule, at time.Time)

type postEntry struct {
	id       cron.EntryID
	schedule string
}

// PostScheduler keeps one cron entry per active scheduled_post rule.
type PostScheduler struct {
	cron    *cron.Cron
	rules   PostRules
	fire    PostFunc
	metrics *audit.Metrics

	mu      sync.Mutex
	entries map[string]postEntry
	ctx     context.Context
}

// PostOption configures a PostScheduler.
type PostOption func(*PostScheduler)

// WithPostMetrics reports the number of registered posts.
func WithPostMetrics(m *audit.Metrics) PostOption {
	return func(p *PostScheduler) { p.metrics = m }
}

// NewPostScheduler creates a PostScheduler. Schedules are evaluated in UTC.
func NewPostScheduler(rules PostRules, fire PostFunc, opts ...PostOption) *PostScheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger)),
	)
	p := &PostScheduler{
		cron:    c,
		rules:   rules,
		fire:    fire,
		entries: make(map[string]postEntry),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins firing entries. ctx is handed to every PostFunc call.
func (p *PostScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.cron.Start()
	slog.Info("PostScheduler.Start: started", "entries", p.Len())
}

// Stop stops the scheduler and waits for running ticks to finish.
func (p *PostScheduler) Stop() {
	<-p.cron.Stop().Done()
}

// Reload brings the cron entries in line with the stored rules: entries of
// removed or deactivated rules are dropped, changed schedules are replaced and
// new rules are added.
func (p *PostScheduler) Reload(ctx context.Context) error {
	rules, err := p.rules.ListActiveRulesByKind(ctx, models.KindScheduledPost)
	if err != nil {
		return fmt.Errorf("list scheduled posts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := make(map[string]models.AutomationRule, len(rules))
	for _, r := range rules {
		wanted[r.ID] = r
	}
	for id, e := range p.entries {
		if r, ok := wanted[id]; !ok || r.Schedule != e.schedule {
			p.cron.Remove(e.id)
			delete(p.entries, id)
		}
	}

	var errs int
	for id, r := range wanted {
		if _, ok := p.entries[id]; ok {
			continue
		}
		rule := r
		entryID, err := p.cron.AddFunc(rule.Schedule, func() { p.tick(rule) })
		if err != nil {
			errs++
			slog.Error("PostScheduler.Reload: invalid schedule", "ruleID", id, "schedule", rule.Schedule, "error", err)
			continue
		}
		p.entries[id] = postEntry{id: entryID, schedule: rule.Schedule}
	}

	if p.metrics != nil {
		p.metrics.ScheduledPosts.Set(float64(len(p.entries)))
	}
	slog.Debug("PostScheduler.Reload: reloaded", "entries", len(p.entries), "invalid", errs)
	return nil
}

func (p *PostScheduler) tick(rule models.AutomationRule) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	at := time.Now().UTC().Truncate(time.Minute)
	slog.Debug("PostScheduler.tick", "ruleID", rule.ID, "at", at)
	p.fire(ctx, rule, at)
}

// Len returns the number of registered posts.
func (p *PostScheduler) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Next returns the next fire time of a rule, or the zero time when the rule has
// no entry.
func (p *PostScheduler) Next(ruleID string) time.Time {
	p.mu.Lock()
	e, ok := p.entries[ruleID]
	p.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return p.cron.Entry(e.id).Next
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "scheduler.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingExecutor) Execute(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestDelayQueueScheduleDeduplicates(t *testing.T) {
	s := newTestStore(t)
	q := NewDelayQueue(s, nil)
	rec := models.DispatchRecord{ID: "dsp_1", EventID: "evt-1", RuleID: "rule_1"}

	id1, err := q.Schedule(context.Background(), rec, 30*time.Second)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	id2, err := q.Schedule(context.Background(), rec, 30*time.Second)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected the same job for the same event and rule, got %s and %s", id1, id2)
	}

	job, err := s.GetJob(context.Background(), id1)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Kind != JobKindDispatch || job.DedupeKey != "dispatch:evt-1:rule_1" {
		t.Errorf("Unexpected job: %+v", job)
	}
	var p dispatchPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil || p.DispatchID != "dsp_1" {
		t.Errorf("Unexpected payload %q (%v)", job.PayloadJSON, err)
	}
	if until := time.Until(job.RunAt); until < 20*time.Second || until > 31*time.Second {
		t.Errorf("Expected run_at about 30s ahead, got %v", until)
	}
}

func TestDelayQueueDoesNotRunBeforeDelay(t *testing.T) {
	s := newTestStore(t)
	runner := store.NewJobRunner(s, 10*time.Millisecond)
	q := NewDelayQueue(s, runner)
	exec := &recordingExecutor{}
	q.Register(exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { runner.Run(ctx); close(done) }()

	if _, err := q.Schedule(ctx, models.DispatchRecord{ID: "dsp_late", EventID: "e1", RuleID: "r1"}, time.Hour); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := q.Schedule(ctx, models.DispatchRecord{ID: "dsp_now", EventID: "e2", RuleID: "r1"}, 0); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(exec.executed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	got := exec.executed()
	if len(got) != 1 || got[0] != "dsp_now" {
		t.Errorf("Expected only dsp_now to run, got %v", got)
	}
}

func TestDelayQueueHandlerRejectsBadPayload(t *testing.T) {
	s := newTestStore(t)
	runner := store.NewJobRunner(s, 10*time.Millisecond)
	q := NewDelayQueue(s, runner)
	exec := &recordingExecutor{}
	q.Register(exec)

	jobID, err := s.EnqueueJob(context.Background(), JobKindDispatch, time.Now().Add(-time.Second), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { runner.Run(ctx); close(done) }()
	runner.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := s.GetJob(context.Background(), jobID)
		if job != nil && job.LastError != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	job, _ := s.GetJob(context.Background(), jobID)
	if job == nil || job.LastError == "" {
		t.Errorf("Expected the job to record an error, got %+v", job)
	}
	if len(exec.executed()) != 0 {
		t.Error("Expected executor not to run for a payload without id")
	}
}

type fakePostRules struct {
	mu    sync.Mutex
	rules []models.AutomationRule
	err   error
}

func (f *fakePostRules) ListActiveRulesByKind(_ context.Context, kind models.AutomationKind) ([]models.AutomationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != models.KindScheduledPost {
		return nil, nil
	}
	return append([]models.AutomationRule(nil), f.rules...), f.err
}

func (f *fakePostRules) set(rules ...models.AutomationRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = rules
}

func post(id, schedule string) models.AutomationRule {
	return models.AutomationRule{ID: id, UserID: "u1", Kind: models.KindScheduledPost, Schedule: schedule, IsActive: true}
}

func TestPostSchedulerReload(t *testing.T) {
	rules := &fakePostRules{}
	m := audit.NewMetrics()
	p := NewPostScheduler(rules, func(context.Context, models.AutomationRule, time.Time) {}, WithPostMetrics(m))

	rules.set(post("r1", "0 9 * * *"), post("r2", "30 18 * * 1"), post("bad", "not cron"))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", p.Len())
	}
	first := p.entries["r1"].id

	rules.set(post("r1", "0 9 * * *"), post("r3", "@daily"))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Expected 2 entries after reload, got %d", p.Len())
	}
	if _, ok := p.entries["r2"]; ok {
		t.Error("Expected r2 to be removed")
	}
	if p.entries["r1"].id != first {
		t.Error("Expected unchanged r1 to keep its entry")
	}

	rules.set(post("r1", "15 9 * * *"))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if p.entries["r1"].id == first || p.entries["r1"].schedule != "15 9 * * *" {
		t.Error("Expected r1 to be re-registered with its new schedule")
	}
}

func TestPostSchedulerReloadError(t *testing.T) {
	rules := &fakePostRules{err: errors.New("db down")}
	p := NewPostScheduler(rules, func(context.Context, models.AutomationRule, time.Time) {})
	if err := p.Reload(context.Background()); err == nil {
		t.Error("Expected error from Reload")
	}
}

func TestPostSchedulerTickFiresRule(t *testing.T) {
	rules := &fakePostRules{}
	var mu sync.Mutex
	var fired []models.AutomationRule
	var firedAt time.Time
	p := NewPostScheduler(rules, func(_ context.Context, r models.AutomationRule, at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, r)
		firedAt = at
	})

	rules.set(post("r1", "* * * * *"))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	p.cron.Entry(p.entries["r1"].id).WrappedJob.Run()

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0].ID != "r1" {
		t.Fatalf("Expected r1 to fire once, got %+v", fired)
	}
	if firedAt.Second() != 0 || firedAt.Nanosecond() != 0 || firedAt.Location() != time.UTC {
		t.Errorf("Expected tick time truncated to the UTC minute, got %v", firedAt)
	}
}

func TestPostSchedulerNext(t *testing.T) {
	rules := &fakePostRules{}
	p := NewPostScheduler(rules, func(context.Context, models.AutomationRule, time.Time) {})
	rules.set(post("r1", "0 9 * * *"))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	p.Start(context.Background())
	defer p.Stop()

	next := p.Next("r1")
	if next.IsZero() || next.UTC().Hour() != 9 || next.Minute() != 0 {
		t.Errorf("Expected next run at 09:00 UTC, got %v", next)
	}
	if !p.Next("missing").IsZero() {
		t.Error("Expected zero time for an unknown rule")
	}
}

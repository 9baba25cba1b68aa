package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/messaging"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

type fixture struct {
	store  *store.SQLiteStore
	sender *messaging.MockService
	sink   *audit.MemorySink
	alerts *recordingAlerts
	rule   models.AutomationRule
}

type recordingAlerts struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingAlerts) Notify(_ context.Context, a alert.Alert, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "dispatch.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	rule := models.AutomationRule{
		UserID:           "alice-owner",
		Kind:             models.KindCommentToDM,
		Triggers:         []string{"price"},
		MatchType:        models.MatchContains,
		ResponseTemplate: "Hi {{username}}, the {{keyword}} list is in your DMs. {{coupon}}",
		IsActive:         true,
	}
	if err := s.CreateRule(ctx, &rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	conn := &models.InstagramConnection{
		UserID:      "alice-owner",
		IGUserID:    "1784",
		Username:    "shop",
		AccessToken: "tok",
		Status:      models.ConnectionConnected,
		ConnectedAt: time.Now(),
		CheckedAt:   time.Now(),
	}
	if err := s.SaveConnection(ctx, conn); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}

	return &fixture{
		store:  s,
		sender: messaging.NewMockService(),
		sink:   &audit.MemorySink{},
		alerts: &recordingAlerts{},
		rule:   rule,
	}
}

func (f *fixture) dispatcher(opts ...Option) *Dispatcher {
	opts = append([]Option{WithAlerts(f.alerts)}, opts...)
	return NewDispatcher(f.store, f.store, f.store, f.sender, f.sink, opts...)
}

func (f *fixture) pending(t *testing.T, eventID string) *models.DispatchRecord {
	t.Helper()
	rec := &models.DispatchRecord{
		EventID:     eventID,
		RuleID:      f.rule.ID,
		UserID:      f.rule.UserID,
		Kind:        f.rule.Kind,
		Action:      models.ActionSendDM,
		Recipient:   "igsid-alice",
		TargetID:    "c-1",
		Keyword:     "price",
		Variables:   map[string]string{"username": "alice", "name": "alice", "keyword": "price"},
		ScheduledAt: time.Now(),
	}
	if _, err := f.store.CreateDispatch(context.Background(), rec); err != nil {
		t.Fatalf("CreateDispatch failed: %v", err)
	}
	return rec
}

func (f *fixture) reload(t *testing.T, id string) *models.DispatchRecord {
	t.Helper()
	rec, err := f.store.GetDispatch(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("GetDispatch failed: %v (%v)", err, rec)
	}
	return rec
}

func TestExecuteSendsRenderedMessage(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")

	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sent := f.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(sent))
	}
	want := "Hi alice, the price list is in your DMs. {{coupon}}"
	if sent[0].Body != want {
		t.Errorf("Expected body %q, got %q", want, sent[0].Body)
	}
	if sent[0].AccountID != "1784" || sent[0].AccessToken != "tok" || sent[0].Recipient != "igsid-alice" {
		t.Errorf("Unexpected action: %+v", sent[0])
	}

	got := f.reload(t, rec.ID)
	if got.Status != models.DispatchSent || got.RenderedMessage != want || got.ExecutedAt == nil {
		t.Errorf("Unexpected record after send: %+v", got)
	}
	if f.sink.Count(models.OutcomeSent) != 1 {
		t.Errorf("Expected 1 sent audit entry, got %d", f.sink.Count(models.OutcomeSent))
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	d := f.dispatcher()

	for i := 0; i < 3; i++ {
		if err := d.Execute(context.Background(), rec.ID); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("Expected exactly 1 send, got %d", n)
	}
	if f.sink.Count(models.OutcomeSent) != 1 {
		t.Errorf("Expected 1 sent audit entry, got %d", f.sink.Count(models.OutcomeSent))
	}
}

func TestExecuteConcurrentSendsOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	d := f.dispatcher()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Execute(context.Background(), rec.ID); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("Expected exactly 1 send under concurrency, got %d", n)
	}
}

func TestExecuteSkipsInactiveRule(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	if _, err := f.store.ToggleRule(context.Background(), f.rule.UserID, f.rule.ID); err != nil {
		t.Fatalf("ToggleRule failed: %v", err)
	}

	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := f.reload(t, rec.ID)
	if got.Status != models.DispatchSkipped || got.DenyReason != ReasonRuleInactive {
		t.Errorf("Expected skipped/%s, got %s/%s", ReasonRuleInactive, got.Status, got.DenyReason)
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("Expected no send for an inactive rule")
	}
	if f.sink.Count(models.OutcomeSkipped) != 1 {
		t.Errorf("Expected 1 skipped audit entry, got %d", f.sink.Count(models.OutcomeSkipped))
	}
}

func TestExecuteSkipsDeletedRule(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	if err := f.store.DeleteRule(context.Background(), f.rule.UserID, f.rule.ID); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}

	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := f.reload(t, rec.ID); got.Status != models.DispatchSkipped || got.DenyReason != ReasonRuleDeleted {
		t.Errorf("Expected skipped/%s, got %s/%s", ReasonRuleDeleted, got.Status, got.DenyReason)
	}
}

func TestExecuteSkipsWithoutConnection(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	conn, _ := f.store.GetConnection(context.Background(), f.rule.UserID)
	conn.Status = models.ConnectionExpired
	if err := f.store.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}

	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := f.reload(t, rec.ID); got.Status != models.DispatchSkipped || got.DenyReason != ReasonNotConnected {
		t.Errorf("Expected skipped/%s, got %s/%s", ReasonNotConnected, got.Status, got.DenyReason)
	}
}

func TestExecuteRecordsTransportFailure(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	f.sender.SetErr(&models.TransportError{Op: "send_dm", Err: errors.New("graph api 500")})

	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := f.reload(t, rec.ID)
	if got.Status != models.DispatchFailed || !strings.Contains(got.Error, "graph api 500") {
		t.Errorf("Expected failed record with error, got %+v", got)
	}
	if f.sink.Count(models.OutcomeFailed) != 1 {
		t.Errorf("Expected 1 failed audit entry, got %d", f.sink.Count(models.OutcomeFailed))
	}
	if len(f.alerts.keys) != 1 || f.alerts.keys[0] != "dispatch:"+rec.ID {
		t.Errorf("Expected one alert keyed by dispatch, got %v", f.alerts.keys)
	}

	// A failed record is terminal and never retried.
	f.sender.SetErr(nil)
	if err := f.dispatcher().Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("Expected no resend after failure")
	}
}

func TestExecuteTimesOut(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, "evt-1")
	f.sender.Delay = time.Second

	start := time.Now()
	if err := f.dispatcher(WithTimeout(30*time.Millisecond)).Execute(context.Background(), rec.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected send to be cut off by the timeout, took %v", elapsed)
	}
	got := f.reload(t, rec.ID)
	if got.Status != models.DispatchFailed || !strings.Contains(got.Error, "timed out") {
		t.Errorf("Expected timed out failure, got %+v", got)
	}
}

func TestExecuteMissingRecord(t *testing.T) {
	f := newFixture(t)
	if err := f.dispatcher().Execute(context.Background(), "dsp_missing"); err != nil {
		t.Errorf("Expected nil for a missing record, got %v", err)
	}
}

func TestNewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, WithTimeout(0))
	if d.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, d.timeout)
	}
}

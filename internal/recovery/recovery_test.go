package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
	"github.com/BTreeMap/InstaPipe/internal/testutil"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(context.Context) error {
	f.calls++
	return f.err
}

func TestRecoverAllRunsEveryComponent(t *testing.T) {
	st := testutil.NewTestStore(t)
	rm := NewRecoveryManager(st)

	var order []string
	rm.RegisterRecoverable("first", RecoverFunc(func(ctx context.Context, r *RecoveryRegistry) error {
		order = append(order, "first")
		if r.GetStore() == nil {
			t.Error("Expected registry to expose the store")
		}
		return errors.New("boom")
	}))
	rm.RegisterRecoverable("second", RecoverFunc(func(ctx context.Context, r *RecoveryRegistry) error {
		order = append(order, "second")
		return nil
	}))

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Error("Expected error when a component fails")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected both components in order, got %v", order)
	}
}

func TestDispatchRecoveryFailsInterruptedClaims(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	interrupted := &models.DispatchRecord{EventID: "e1", RuleID: "r1", UserID: "u1", Kind: models.KindCommentToDM, Action: models.ActionSendDM, ScheduledAt: time.Now()}
	waiting := &models.DispatchRecord{EventID: "e2", RuleID: "r1", UserID: "u1", Kind: models.KindCommentToDM, Action: models.ActionSendDM, ScheduledAt: time.Now()}
	for _, rec := range []*models.DispatchRecord{interrupted, waiting} {
		if _, err := st.CreateDispatch(ctx, rec); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}
	if ok, err := st.ClaimDispatch(ctx, interrupted.ID, time.Now().Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("Expected claim, got %v %v", ok, err)
	}

	rm := NewRecoveryManager(st)
	rm.RegisterRecoverable("dispatches", DispatchRecovery(time.Minute))
	if err := rm.RecoverAll(ctx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, _ := st.GetDispatch(ctx, interrupted.ID)
	if got.Status != models.DispatchFailed || got.Error != ReasonInterrupted {
		t.Errorf("Expected failed/interrupted, got %s/%s", got.Status, got.Error)
	}
	got, _ = st.GetDispatch(ctx, waiting.ID)
	if got.Status != models.DispatchPending {
		t.Errorf("Expected unclaimed dispatch to stay pending, got %s", got.Status)
	}
}

func TestPostScheduleRecovery(t *testing.T) {
	st := testutil.NewTestStore(t)
	posts := &fakeReloader{}

	rm := NewRecoveryManager(st)
	rm.RegisterRecoverable("posts", PostScheduleRecovery(posts))
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if posts.calls != 1 {
		t.Errorf("Expected one reload, got %d", posts.calls)
	}

	posts.err = errors.New("bad cron")
	if err := rm.RecoverAll(context.Background()); err == nil {
		t.Error("Expected reload error to surface")
	}
}

func TestQueueRecoveryOnEmptyStore(t *testing.T) {
	st := testutil.NewTestStore(t)
	runner := store.NewJobRunner(st, time.Second)
	sender := store.NewOutboxSender(st, func(context.Context, store.OutboxMessage) error { return nil }, time.Second)

	rm := NewRecoveryManager(st)
	rm.RegisterRecoverable("jobs", JobRecovery(runner))
	rm.RegisterRecoverable("outbox", OutboxRecovery(sender))
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Errorf("Expected clean recovery, got %v", err)
	}
}

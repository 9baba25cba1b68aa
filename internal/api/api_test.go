package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/engine"
	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/ratelimit"
	"github.com/BTreeMap/InstaPipe/internal/scheduler"
	"github.com/BTreeMap/InstaPipe/internal/store"
	"github.com/BTreeMap/InstaPipe/internal/testutil"
)

const (
	testSecret = "test-jwt-secret"
	testUser   = "user-1"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []models.InboundEvent
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev models.InboundEvent) (*engine.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return &engine.Outcome{EventID: ev.ID}, nil
}

func (h *recordingHandler) Events() []models.InboundEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.InboundEvent(nil), h.events...)
}

type fakeAccounts struct {
	err      error
	username string
	calls    int
}

func (f *fakeAccounts) CheckAccount(_ context.Context, igUserID, _ string) (*instagram.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &instagram.Account{ID: igUserID, Username: f.username}, nil
}

type fakeAlerts struct {
	sent []alert.Alert
}

func (f *fakeAlerts) Notify(_ context.Context, a alert.Alert, _ string) error {
	f.sent = append(f.sent, a)
	return nil
}

type fakePosts struct{ reloads int }

func (f *fakePosts) Reload(context.Context) error {
	f.reloads++
	return nil
}

// newTestServer wires a server with the real engine over a temporary SQLite
// store. Dispatch jobs are queued but never run.
func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *store.SQLiteStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	sink := &audit.MemorySink{}
	limiter := ratelimit.NewLimiter(st, st, models.DefaultRateLimitPolicy())
	queue := scheduler.NewDelayQueue(st, store.NewJobRunner(st, time.Hour))

	deps := Deps{
		Store:     st,
		Events:    engine.New(st, limiter, queue, sink),
		Analytics: audit.NewAnalytics(st, st),
		Metrics:   audit.NewMetrics(),
		Sink:      sink,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := NewServer(deps, WithJWTSecret(testSecret), WithWebhookSecrets("app-secret", "verify-me"))
	return srv, st
}

func doRequest(t *testing.T, srv *Server, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, url, body)
	req.Header.Set("Authorization", testutil.BearerToken(t, testSecret, testUser))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func priceRule() map[string]interface{} {
	return map[string]interface{}{
		"kind":             "comment_to_dm",
		"triggers":         []string{"price", "buy"},
		"responseTemplate": "Thanks {{username}}, check your DMs!",
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !bytes.Contains(rr.Body.Bytes(), []byte("go_goroutines")) {
		t.Error("Expected Go runtime metrics in exposition")
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/user/automations?kind=dm_auto_reply", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing token")

	req := httptest.NewRequest(http.MethodGet, "/user/automations?kind=dm_auto_reply", nil)
	req.Header.Set("Authorization", testutil.BearerToken(t, "wrong-secret", testUser))
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "bad signature")

	rr = doRequest(t, srv, http.MethodGet, "/user/automations?kind=dm_auto_reply", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid token")
}

func TestCreateRuleRequiresConnection(t *testing.T) {
	srv, st := newTestServer(t, nil)

	rr := doRequest(t, srv, http.MethodPost, "/user/automations", priceRule())
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "create without connection")

	inactive := priceRule()
	inactive["isActive"] = false
	rr = doRequest(t, srv, http.MethodPost, "/user/automations", inactive)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create inactive without connection")

	testutil.SeedConnection(t, st, testUser, "1784")
	rr = doRequest(t, srv, http.MethodPost, "/user/automations", priceRule())
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create with connection")

	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["priority"].(float64) != 2 {
		t.Errorf("Expected appended priority 2, got %v", result["priority"])
	}
	if result["userId"] != testUser {
		t.Errorf("Expected owner %q, got %v", testUser, result["userId"])
	}
}

func TestCreateRuleValidation(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")

	rule := priceRule()
	rule["triggers"] = []string{" ", ""}
	rr := doRequest(t, srv, http.MethodPost, "/user/automations", rule)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty keywords")

	resp := testutil.AssertJSONResponse(t, rr, "error")
	fields, ok := resp["fields"].([]interface{})
	if !ok || len(fields) == 0 {
		t.Fatalf("Expected field errors, got %v", resp)
	}
	first := fields[0].(map[string]interface{})
	if first["field"] != "triggers" || first["message"] != models.MsgKeywordRequired {
		t.Errorf("Unexpected field error: %v", first)
	}

	rule = priceRule()
	rule["kind"] = "reels"
	rr = doRequest(t, srv, http.MethodPost, "/user/automations", rule)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown kind")

	req := httptest.NewRequest(http.MethodPost, "/user/automations", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", testutil.BearerToken(t, testSecret, testUser))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rec.Code, "malformed JSON")
}

func TestCreateRuleWarnsOnUnknownVariables(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	defer slog.SetDefault(prev)

	rule := priceRule()
	rule["responseTemplate"] = "Thanks {{usrname}}!"
	rr := doRequest(t, srv, http.MethodPost, "/user/automations", rule)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create with unknown variable")
	if !bytes.Contains(buf.Bytes(), []byte("unknown variables")) || !bytes.Contains(buf.Bytes(), []byte("usrname")) {
		t.Errorf("Expected a warning naming usrname, got %q", buf.String())
	}

	buf.Reset()
	rr = doRequest(t, srv, http.MethodPost, "/user/automations", priceRule())
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create with known variables")
	if bytes.Contains(buf.Bytes(), []byte("unknown variables")) {
		t.Errorf("Expected no warning for known variables, got %q", buf.String())
	}
}

func TestRuleSetReplaceAndGet(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")

	body := map[string]interface{}{
		"kind":         "dm_auto_reply",
		"isEnabled":    true,
		"rateLimiting": map[string]int{"maxActionsPerHour": 10, "maxActionsPerDay": 100},
		"rules": []map[string]interface{}{
			{"triggers": []string{"hours"}, "responseTemplate": "We open at 9"},
			{"triggers": []string{"price"}, "responseTemplate": "See the menu"},
		},
	}
	rr := doRequest(t, srv, http.MethodPut, "/user/automation-settings", body)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "replace rule set")

	rr = doRequest(t, srv, http.MethodGet, "/user/automation-settings?kind=dm_auto_reply", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get rule set")

	var resp struct {
		Result models.RuleSetResponse `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if len(resp.Result.Rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(resp.Result.Rules))
	}
	if resp.Result.Rules[0].Triggers[0] != "hours" || resp.Result.Rules[0].Priority != 1 || resp.Result.Rules[1].Priority != 2 {
		t.Errorf("Expected priorities to follow request order, got %+v", resp.Result.Rules)
	}
	if resp.Result.RateLimiting.MaxActionsPerHour != 10 {
		t.Errorf("Expected saved policy, got %+v", resp.Result.RateLimiting)
	}
}

func TestRuleSetDisabledStoresInactiveRules(t *testing.T) {
	srv, st := newTestServer(t, nil)

	body := map[string]interface{}{
		"kind":      "comment_to_dm",
		"isEnabled": false,
		"rules":     []map[string]interface{}{{"triggers": []string{"price"}, "responseTemplate": "hi"}},
	}
	rr := doRequest(t, srv, http.MethodPut, "/user/automation-settings", body)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "disabled set without connection")

	rules, err := st.ListRules(context.Background(), testUser, models.KindCommentToDM)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(rules) != 1 || rules[0].IsActive {
		t.Errorf("Expected one inactive rule, got %+v", rules)
	}
}

func TestRuleSetFieldErrorsAreIndexed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := map[string]interface{}{
		"kind": "comment_to_dm",
		"rules": []map[string]interface{}{
			{"triggers": []string{"ok"}, "responseTemplate": "fine"},
			{"triggers": []string{}, "responseTemplate": "missing keywords"},
		},
	}
	rr := doRequest(t, srv, http.MethodPut, "/user/automation-settings", body)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid rule in set")

	resp := testutil.AssertJSONResponse(t, rr, "error")
	fields := resp["fields"].([]interface{})
	if fields[0].(map[string]interface{})["field"] != "rules[1].triggers" {
		t.Errorf("Expected indexed field path, got %v", fields)
	}
}

func TestToggleCancelsPendingDispatches(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")
	ctx := context.Background()

	rr := doRequest(t, srv, http.MethodPost, "/user/automations", priceRule())
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create")
	var created struct {
		Result models.AutomationRule `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &created)

	rec := &models.DispatchRecord{
		EventID: "evt-1", RuleID: created.Result.ID, UserID: testUser,
		Kind: models.KindCommentToDM, Action: models.ActionSendDM, ScheduledAt: time.Now().Add(time.Minute),
	}
	if _, err := st.CreateDispatch(ctx, rec); err != nil {
		t.Fatalf("Expected no error creating dispatch, got %v", err)
	}

	rr = doRequest(t, srv, http.MethodPost, "/user/automations/rule/"+created.Result.ID+"/toggle", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "toggle off")

	got, err := st.GetDispatch(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.Status != models.DispatchSkipped || got.DenyReason != "rule_inactive" {
		t.Errorf("Expected skipped/rule_inactive, got %s/%s", got.Status, got.DenyReason)
	}

	// Reactivation without a live connection is refused.
	conn, _ := st.GetConnection(ctx, testUser)
	conn.Status = models.ConnectionExpired
	if err := st.SaveConnection(ctx, conn); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	rr = doRequest(t, srv, http.MethodPost, "/user/automations/rule/"+created.Result.ID+"/toggle", nil)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "toggle on while expired")
}

func TestRuleCRUDNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, tc := range []struct{ method, url string }{
		{http.MethodGet, "/user/automations/rule/missing"},
		{http.MethodPut, "/user/automations/rule/missing"},
		{http.MethodDelete, "/user/automations/rule/missing"},
		{http.MethodPost, "/user/automations/rule/missing/toggle"},
	} {
		rr := doRequest(t, srv, tc.method, tc.url, priceRule())
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, tc.method+" "+tc.url)
	}
}

func TestUpdateAndDeleteRule(t *testing.T) {
	posts := &fakePosts{}
	srv, st := newTestServer(t, func(d *Deps) { d.Posts = posts })
	testutil.SeedConnection(t, st, testUser, "1784")

	post := map[string]interface{}{
		"kind":             "scheduled_post",
		"responseTemplate": "Fresh drop",
		"schedule":         "0 9 * * *",
		"mediaUrl":         "https://cdn.example.com/drop.jpg",
	}
	rr := doRequest(t, srv, http.MethodPost, "/user/automations", post)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create post")
	var created struct {
		Result models.AutomationRule `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &created)

	post["schedule"] = "30 18 * * 5"
	rr = doRequest(t, srv, http.MethodPut, "/user/automations/rule/"+created.Result.ID, post)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update post")

	got, err := st.GetRule(context.Background(), testUser, created.Result.ID)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.Schedule != "30 18 * * 5" || !got.IsActive {
		t.Errorf("Expected updated active rule, got %+v", got)
	}

	rr = doRequest(t, srv, http.MethodDelete, "/user/automations/rule/"+created.Result.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete post")
	if posts.reloads != 3 {
		t.Errorf("Expected 3 scheduler reloads, got %d", posts.reloads)
	}
}

func TestReorderRules(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")

	var ids []string
	for _, kw := range []string{"a", "b", "c"} {
		rule := priceRule()
		rule["triggers"] = []string{kw}
		rr := doRequest(t, srv, http.MethodPost, "/user/automations", rule)
		var created struct {
			Result models.AutomationRule `json:"result"`
		}
		testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &created)
		ids = append(ids, created.Result.ID)
	}

	reversed := []string{ids[2], ids[1], ids[0]}
	rr := doRequest(t, srv, http.MethodPost, "/user/automations/comment_to_dm/reorder", map[string]interface{}{"orderedIds": reversed})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reorder")

	var resp struct {
		Result []models.AutomationRule `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	for i, rule := range resp.Result {
		if rule.ID != reversed[i] || rule.Priority != i+1 {
			t.Errorf("Position %d: expected %s with priority %d, got %s/%d", i, reversed[i], i+1, rule.ID, rule.Priority)
		}
	}

	rr = doRequest(t, srv, http.MethodPost, "/user/automations/comment_to_dm/reorder", map[string]interface{}{"orderedIds": ids[:2]})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "partial reorder")

	rr = doRequest(t, srv, http.MethodPost, "/user/automations/reels/reorder", map[string]interface{}{"orderedIds": ids})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown kind")
}

func TestPolicyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := doRequest(t, srv, http.MethodGet, "/user/automation-policies/comment_to_dm", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "default policy")
	var resp struct {
		Result models.RateLimitPolicy `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result != models.DefaultRateLimitPolicy() {
		t.Errorf("Expected default policy, got %+v", resp.Result)
	}

	rr = doRequest(t, srv, http.MethodPut, "/user/automation-policies/comment_to_dm", map[string]int{"maxActionsPerHour": 0, "maxActionsPerDay": 5})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid policy")

	want := models.RateLimitPolicy{MaxActionsPerHour: 10, MaxActionsPerDay: 50, MinDelayBetweenActionsSeconds: 30}
	rr = doRequest(t, srv, http.MethodPut, "/user/automation-policies/comment_to_dm", want)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "save policy")

	rr = doRequest(t, srv, http.MethodGet, "/user/automation-policies/comment_to_dm", nil)
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result != want {
		t.Errorf("Expected %+v, got %+v", want, resp.Result)
	}
}

func TestTestEventRunsPipeline(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")
	doRequest(t, srv, http.MethodPost, "/user/automations", priceRule())

	text := "what's the price?"
	rr := doRequest(t, srv, http.MethodPost, "/user/events", models.TestEventRequest{
		ID: "test-1", Kind: models.EventComment, SourceUserHandle: "@alice", Text: &text, CommentID: "c-1",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "test event")

	var resp struct {
		Result engine.Outcome `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if !resp.Result.Matched || resp.Result.Keyword != "price" {
		t.Errorf("Expected match on price, got %+v", resp.Result)
	}
	if resp.Result.Dispatch == nil || resp.Result.Dispatch.Status != models.DispatchPending {
		t.Errorf("Expected pending dispatch, got %+v", resp.Result.Dispatch)
	}

	rr = doRequest(t, srv, http.MethodGet, "/user/dispatches?status=pending", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list dispatches")
	var list struct {
		Result []models.DispatchRecord `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	if len(list.Result) != 1 || list.Result[0].EventID != "test-1" {
		t.Errorf("Expected the test event dispatch, got %+v", list.Result)
	}

	rr = doRequest(t, srv, http.MethodGet, "/user/dispatches?status=bogus", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad status filter")

	rr = doRequest(t, srv, http.MethodPost, "/user/events", map[string]string{"kind": "carousel"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad event kind")
}

func TestWebhookVerification(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "verify")
	if rr.Body.String() != "12345" {
		t.Errorf("Expected challenge echo, got %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", nil))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "wrong verify token")
}

const webhookBody = `{"object":"instagram","entry":[{"id":"1784","time":1700000000,"changes":[
  {"field":"comments","value":{"id":"c-9","text":"price?","from":{"id":"u-7","username":"alice"},"media":{"id":"m-1"}}}]},
  {"id":"9999","time":1700000000,"changes":[
  {"field":"comments","value":{"id":"c-10","text":"price?","from":{"id":"u-8","username":"bob"},"media":{"id":"m-2"}}}]}]}`

func TestWebhookDeliversEventsToOwner(t *testing.T) {
	handler := &recordingHandler{}
	srv, st := newTestServer(t, func(d *Deps) { d.Events = handler })
	testutil.SeedConnection(t, st, testUser, "1784")

	body := []byte(webhookBody)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set(instagram.SignatureHeader, instagram.Sign("app-secret", body))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	srv.Wait()

	events := handler.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event for the connected account, got %d", len(events))
	}
	if events[0].UserID != testUser || events[0].ID != "ig:comment:c-9" {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler := &recordingHandler{}
	srv, _ := newTestServer(t, func(d *Deps) { d.Events = handler })

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewBufferString(webhookBody))
	req.Header.Set(instagram.SignatureHeader, "sha256=deadbeef")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "bad signature")
	srv.Wait()
	if len(handler.Events()) != 0 {
		t.Error("Expected no events from an unsigned delivery")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	accounts := &fakeAccounts{username: "shop.official"}
	posts := &fakePosts{}
	srv, _ := newTestServer(t, func(d *Deps) {
		d.Accounts = accounts
		d.Posts = posts
	})

	rr := doRequest(t, srv, http.MethodGet, "/user/instagram/status", nil)
	var status struct {
		Result models.ConnectionStatusResponse `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &status)
	if status.Result.Connected || status.Result.Status != models.ConnectionDisconnected {
		t.Errorf("Expected disconnected before linking, got %+v", status.Result)
	}

	rr = doRequest(t, srv, http.MethodPut, "/user/instagram/connection", models.ConnectionRequest{
		IGUserID: "1784", Username: "shop", AccessToken: "tok",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "connect")
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &status)
	if !status.Result.Connected || status.Result.Username != "shop.official" {
		t.Errorf("Expected connected with verified username, got %+v", status.Result)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("tok\"")) {
		t.Error("Expected access token to stay out of the response")
	}

	rr = doRequest(t, srv, http.MethodDelete, "/user/instagram/connection", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "disconnect")
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &status)
	if status.Result.Connected || status.Result.Status != models.ConnectionDisconnected {
		t.Errorf("Expected disconnected, got %+v", status.Result)
	}
	if posts.reloads != 2 {
		t.Errorf("Expected scheduler reload on connect and disconnect, got %d", posts.reloads)
	}

	accounts.err = errors.New("graph api 500")
	rr = doRequest(t, srv, http.MethodPut, "/user/instagram/connection", models.ConnectionRequest{
		IGUserID: "1784", Username: "shop", AccessToken: "bad",
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "rejected token")
}

func TestStatusProbeMarksExpiredAndAlerts(t *testing.T) {
	accounts := &fakeAccounts{err: instagram.ErrTokenExpired}
	alerts := &fakeAlerts{}
	srv, st := newTestServer(t, func(d *Deps) {
		d.Accounts = accounts
		d.Alerts = alerts
	})
	conn := testutil.SeedConnection(t, st, testUser, "1784")
	conn.CheckedAt = time.Now().Add(-time.Hour)
	if err := st.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	rr := doRequest(t, srv, http.MethodGet, "/user/instagram/status", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status")
	var status struct {
		Result models.ConnectionStatusResponse `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &status)
	if status.Result.Connected || status.Result.Status != models.ConnectionExpired {
		t.Errorf("Expected expired connection, got %+v", status.Result)
	}
	if len(alerts.sent) != 1 || alerts.sent[0].Kind != alert.KindConnectionExpired {
		t.Errorf("Expected one expiry alert, got %+v", alerts.sent)
	}

	stored, _ := st.GetConnection(context.Background(), testUser)
	if stored.Status != models.ConnectionExpired {
		t.Errorf("Expected stored status expired, got %s", stored.Status)
	}

	// Expired connections are not probed again.
	doRequest(t, srv, http.MethodGet, "/user/instagram/status", nil)
	if accounts.calls != 1 {
		t.Errorf("Expected a single probe, got %d", accounts.calls)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	srv, st := newTestServer(t, nil)
	testutil.SeedConnection(t, st, testUser, "1784")
	if err := st.RecordAudit(context.Background(), models.AuditEntry{
		UserID: testUser, Kind: models.KindCommentToDM, RuleID: "r1", Outcome: models.OutcomeSent, At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	rr := doRequest(t, srv, http.MethodGet, "/analytics/overview?days=7", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "overview")
	var overview struct {
		Result models.AnalyticsOverview `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &overview)
	if overview.Result.Totals[models.OutcomeSent] != 1 {
		t.Errorf("Expected one sent, got %+v", overview.Result.Totals)
	}

	rr = doRequest(t, srv, http.MethodGet, "/analytics/performance", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "performance")

	rr = doRequest(t, srv, http.MethodGet, "/analytics/overview?days=0", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "zero days")
	rr = doRequest(t, srv, http.MethodGet, "/analytics/overview?days=1000", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "too many days")
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/dispatch"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/render"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// listRulesHandler handles GET /user/automations?kind=.
func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, "Server.listRulesHandler", err)
		return
	}
	rules, err := s.deps.Store.ListRules(r.Context(), userIDFrom(r.Context()), kind)
	if err != nil {
		writeError(w, "Server.listRulesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNilRules(rules)))
}

// getRuleSetHandler handles GET /user/automation-settings?kind=.
func (s *Server) getRuleSetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	kind, err := models.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, "Server.getRuleSetHandler", err)
		return
	}
	resp, err := s.ruleSet(ctx, userID, kind, nil)
	if err != nil {
		writeError(w, "Server.getRuleSetHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// putRuleSetHandler handles PUT /user/automation-settings. It replaces the
// caller's rule set for one kind and optionally its rate-limit policy.
func (s *Server) putRuleSetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	var req models.RuleSetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}
	kind, err := models.ParseKind(string(req.Kind))
	if err != nil {
		writeError(w, "Server.putRuleSetHandler", models.NewValidationError("kind", err.Error()))
		return
	}

	enabled := req.IsEnabled == nil || *req.IsEnabled
	rules := make([]models.AutomationRule, 0, len(req.Rules))
	ve := &models.ValidationError{}
	for i, in := range req.Rules {
		rule := in.ToRule(userID, kind)
		rule.Priority = 0
		if !enabled {
			rule.IsActive = false
		}
		if err := rule.Validate(); err != nil {
			prefixFields(ve, fmt.Sprintf("rules[%d].", i), err)
		}
		rules = append(rules, rule)
	}
	if req.RateLimiting != nil {
		if err := req.RateLimiting.Validate(); err != nil {
			prefixFields(ve, "rateLimiting.", err)
		}
	}
	if err := ve.OrNil(); err != nil {
		slog.Warn("Server.putRuleSetHandler: rejected rule set", "userID", userID, "kind", kind, "error", err)
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}
	if err := s.requireConnection(ctx, userID, rules...); err != nil {
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}

	previous, err := s.deps.Store.ListRules(ctx, userID, kind)
	if err != nil {
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}
	saved, err := s.deps.Store.ReplaceRuleSet(ctx, userID, kind, rules, req.RateLimiting)
	if err != nil {
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}
	warnUnknownVariables("Server.putRuleSetHandler", userID, saved...)

	kept := make(map[string]models.AutomationRule, len(saved))
	for _, rule := range saved {
		kept[rule.ID] = rule
	}
	for _, old := range previous {
		rule, ok := kept[old.ID]
		switch {
		case !ok:
			s.cancelPending(ctx, old, dispatch.ReasonRuleDeleted)
		case old.IsActive && !rule.IsActive:
			s.cancelPending(ctx, old, dispatch.ReasonRuleInactive)
		}
	}
	if kind == models.KindScheduledPost {
		s.reloadPosts(ctx)
	}

	resp, err := s.ruleSet(ctx, userID, kind, saved)
	if err != nil {
		writeError(w, "Server.putRuleSetHandler", err)
		return
	}
	slog.Info("Server.putRuleSetHandler: rule set replaced", "userID", userID, "kind", kind, "rules", len(saved))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Automation settings saved", resp))
}

// createRuleHandler handles POST /user/automations.
func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	var req models.CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.createRuleHandler", err)
		return
	}
	kind, err := models.ParseKind(string(req.Kind))
	if err != nil {
		writeError(w, "Server.createRuleHandler", models.NewValidationError("kind", err.Error()))
		return
	}
	req.RuleInput.ID = ""
	rule := req.RuleInput.ToRule(userID, kind)
	if err := rule.Validate(); err != nil {
		slog.Warn("Server.createRuleHandler: rejected rule", "userID", userID, "kind", kind, "error", err)
		writeError(w, "Server.createRuleHandler", err)
		return
	}
	if err := s.requireConnection(ctx, userID, rule); err != nil {
		writeError(w, "Server.createRuleHandler", err)
		return
	}
	if err := s.deps.Store.CreateRule(ctx, &rule); err != nil {
		writeError(w, "Server.createRuleHandler", err)
		return
	}
	warnUnknownVariables("Server.createRuleHandler", userID, rule)
	if rule.Kind == models.KindScheduledPost {
		s.reloadPosts(ctx)
	}
	slog.Info("Server.createRuleHandler: rule created", "userID", userID, "ruleID", rule.ID, "kind", kind)
	writeJSONResponse(w, http.StatusCreated, models.Success(rule))
}

// getRuleHandler handles GET /user/automations/rule/{ruleID}.
func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetRule(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "ruleID"))
	if err != nil {
		writeError(w, "Server.getRuleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

// updateRuleHandler handles PUT /user/automations/rule/{ruleID}.
func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	ruleID := chi.URLParam(r, "ruleID")

	existing, err := s.deps.Store.GetRule(ctx, userID, ruleID)
	if err != nil {
		writeError(w, "Server.updateRuleHandler", err)
		return
	}
	var in models.RuleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, "Server.updateRuleHandler", err)
		return
	}
	rule := in.ToRule(userID, existing.Kind)
	rule.ID = existing.ID
	if in.IsActive == nil {
		rule.IsActive = existing.IsActive
	}
	if err := rule.Validate(); err != nil {
		slog.Warn("Server.updateRuleHandler: rejected rule", "userID", userID, "ruleID", ruleID, "error", err)
		writeError(w, "Server.updateRuleHandler", err)
		return
	}
	if !existing.IsActive {
		if err := s.requireConnection(ctx, userID, rule); err != nil {
			writeError(w, "Server.updateRuleHandler", err)
			return
		}
	}
	if err := s.deps.Store.UpdateRule(ctx, &rule); err != nil {
		writeError(w, "Server.updateRuleHandler", err)
		return
	}
	warnUnknownVariables("Server.updateRuleHandler", userID, rule)
	if existing.IsActive && !rule.IsActive {
		s.cancelPending(ctx, rule, dispatch.ReasonRuleInactive)
	}
	if rule.Kind == models.KindScheduledPost {
		s.reloadPosts(ctx)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

// deleteRuleHandler handles DELETE /user/automations/rule/{ruleID}.
func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	ruleID := chi.URLParam(r, "ruleID")

	rule, err := s.deps.Store.GetRule(ctx, userID, ruleID)
	if err != nil {
		writeError(w, "Server.deleteRuleHandler", err)
		return
	}
	if err := s.deps.Store.DeleteRule(ctx, userID, ruleID); err != nil {
		writeError(w, "Server.deleteRuleHandler", err)
		return
	}
	s.cancelPending(ctx, *rule, dispatch.ReasonRuleDeleted)
	if rule.Kind == models.KindScheduledPost {
		s.reloadPosts(ctx)
	}
	slog.Info("Server.deleteRuleHandler: rule deleted", "userID", userID, "ruleID", ruleID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", nil))
}

// toggleRuleHandler handles POST /user/automations/rule/{ruleID}/toggle.
func (s *Server) toggleRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	ruleID := chi.URLParam(r, "ruleID")

	current, err := s.deps.Store.GetRule(ctx, userID, ruleID)
	if err != nil {
		writeError(w, "Server.toggleRuleHandler", err)
		return
	}
	if !current.IsActive {
		activated := *current
		activated.IsActive = true
		if err := s.requireConnection(ctx, userID, activated); err != nil {
			writeError(w, "Server.toggleRuleHandler", err)
			return
		}
	}
	rule, err := s.deps.Store.ToggleRule(ctx, userID, ruleID)
	if err != nil {
		writeError(w, "Server.toggleRuleHandler", err)
		return
	}
	if !rule.IsActive {
		s.cancelPending(ctx, *rule, dispatch.ReasonRuleInactive)
	}
	if rule.Kind == models.KindScheduledPost {
		s.reloadPosts(ctx)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

// reorderHandler handles POST /user/automations/{kind}/reorder.
func (s *Server) reorderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, "Server.reorderHandler", err)
		return
	}
	var req models.ReorderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.reorderHandler", err)
		return
	}
	if ve := models.ValidateStruct(req); ve != nil {
		writeError(w, "Server.reorderHandler", ve)
		return
	}
	if err := s.deps.Store.ReorderRules(ctx, userID, kind, req.OrderedIDs); err != nil {
		writeError(w, "Server.reorderHandler", err)
		return
	}
	rules, err := s.deps.Store.ListRules(ctx, userID, kind)
	if err != nil {
		writeError(w, "Server.reorderHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNilRules(rules)))
}

// getPolicyHandler handles GET /user/automation-policies/{kind}.
func (s *Server) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, "Server.getPolicyHandler", err)
		return
	}
	policy, err := s.policy(ctx, userIDFrom(ctx), kind)
	if err != nil {
		writeError(w, "Server.getPolicyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(policy))
}

// putPolicyHandler handles PUT /user/automation-policies/{kind}.
func (s *Server) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, "Server.putPolicyHandler", err)
		return
	}
	var policy models.RateLimitPolicy
	if err := decodeJSON(w, r, &policy); err != nil {
		writeError(w, "Server.putPolicyHandler", err)
		return
	}
	if err := policy.Validate(); err != nil {
		writeError(w, "Server.putPolicyHandler", err)
		return
	}
	if err := s.deps.Store.SavePolicy(ctx, userID, kind, policy); err != nil {
		writeError(w, "Server.putPolicyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(policy))
}

// listDispatchesHandler handles GET /user/dispatches?kind=&status=&limit=.
func (s *Server) listDispatchesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.DispatchFilter
	if raw := q.Get("kind"); raw != "" {
		kind, err := models.ParseKind(raw)
		if err != nil {
			writeError(w, "Server.listDispatchesHandler", err)
			return
		}
		filter.Kind = kind
	}
	if raw := q.Get("status"); raw != "" {
		status := models.DispatchStatus(raw)
		switch status {
		case models.DispatchPending, models.DispatchSent, models.DispatchFailed, models.DispatchRateLimited, models.DispatchSkipped:
			filter.Status = status
		default:
			writeError(w, "Server.listDispatchesHandler", models.NewValidationError("status", "Unknown dispatch status"))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > store.MaxDispatchListLimit {
			writeError(w, "Server.listDispatchesHandler",
				models.NewValidationError("limit", fmt.Sprintf("limit must be between 1 and %d", store.MaxDispatchListLimit)))
			return
		}
		filter.Limit = limit
	}

	records, err := s.deps.Store.ListDispatches(r.Context(), userIDFrom(r.Context()), filter)
	if err != nil {
		writeError(w, "Server.listDispatchesHandler", err)
		return
	}
	if records == nil {
		records = []models.DispatchRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// overviewHandler handles GET /analytics/overview?days=.
func (s *Server) overviewHandler(w http.ResponseWriter, r *http.Request) {
	days, ok := s.analyticsDays(w, r)
	if !ok {
		return
	}
	overview, err := s.deps.Analytics.Overview(r.Context(), userIDFrom(r.Context()), days)
	if err != nil {
		writeError(w, "Server.overviewHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(overview))
}

// performanceHandler handles GET /analytics/performance?days=.
func (s *Server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	days, ok := s.analyticsDays(w, r)
	if !ok {
		return
	}
	perf, err := s.deps.Analytics.Performance(r.Context(), userIDFrom(r.Context()), days)
	if err != nil {
		writeError(w, "Server.performanceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(perf))
}

func (s *Server) analyticsDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	if s.deps.Analytics == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Analytics are not enabled"))
		return 0, false
	}
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return audit.DefaultWindowDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > audit.MaxWindowDays {
		writeError(w, "Server.analyticsDays",
			models.NewValidationError("days", fmt.Sprintf("days must be between 1 and %d", audit.MaxWindowDays)))
		return 0, false
	}
	return days, true
}

// ruleSet assembles the automation-settings view. rules is loaded when nil.
func (s *Server) ruleSet(ctx context.Context, userID string, kind models.AutomationKind, rules []models.AutomationRule) (*models.RuleSetResponse, error) {
	if rules == nil {
		var err error
		rules, err = s.deps.Store.ListRules(ctx, userID, kind)
		if err != nil {
			return nil, err
		}
	}
	policy, err := s.policy(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	return &models.RuleSetResponse{Kind: kind, RateLimiting: policy, Rules: nonNilRules(rules)}, nil
}

// policy returns the user's stored policy for kind or the configured default.
func (s *Server) policy(ctx context.Context, userID string, kind models.AutomationKind) (models.RateLimitPolicy, error) {
	p, err := s.deps.Store.GetPolicy(ctx, userID, kind)
	if err != nil {
		return models.RateLimitPolicy{}, err
	}
	if p == nil {
		return s.opts.DefaultPolicy, nil
	}
	return *p, nil
}

// requireConnection returns ErrNotConnected when any of rules is active and the
// user has no live Instagram connection.
func (s *Server) requireConnection(ctx context.Context, userID string, rules ...models.AutomationRule) error {
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		conn, err := s.deps.Store.GetConnection(ctx, userID)
		if err != nil {
			return err
		}
		if !conn.IsLive() {
			slog.Warn("Server.requireConnection: activation without live connection", "userID", userID)
			return models.ErrNotConnected
		}
		return nil
	}
	return nil
}

// cancelPending skips the rule's queued dispatches that have not started.
func (s *Server) cancelPending(ctx context.Context, rule models.AutomationRule, reason string) {
	records, err := s.deps.Store.CancelPendingDispatches(ctx, rule.ID, reason)
	if err != nil {
		slog.Error("Server.cancelPending: cancel failed", "ruleID", rule.ID, "error", err)
		return
	}
	for _, rec := range records {
		if s.deps.Sink != nil {
			s.deps.Sink.Record(ctx, models.AuditEntry{
				UserID: rec.UserID, Kind: rec.Kind, RuleID: rec.RuleID, EventID: rec.EventID,
				Outcome: models.OutcomeForStatus(rec.Status), Reason: reason,
			})
		}
	}
	if len(records) > 0 {
		slog.Info("Server.cancelPending: pending dispatches skipped", "ruleID", rule.ID, "count", len(records), "reason", reason)
	}
}

func (s *Server) reloadPosts(ctx context.Context) {
	if s.deps.Posts == nil {
		return
	}
	if err := s.deps.Posts.Reload(ctx); err != nil {
		slog.Error("Server.reloadPosts: reload failed", "error", err)
	}
}

// prefixFields copies err's field errors into ve under prefix.
func prefixFields(ve *models.ValidationError, prefix string, err error) {
	inner, ok := err.(*models.ValidationError)
	if !ok {
		ve.Add(prefix+"body", err.Error())
		return
	}
	for _, f := range inner.Fields {
		ve.Add(prefix+f.Field, f.Message)
	}
}

func nonNilRules(rules []models.AutomationRule) []models.AutomationRule {
	if rules == nil {
		return []models.AutomationRule{}
	}
	return rules
}

// warnUnknownVariables logs placeholders that will be sent verbatim.
func warnUnknownVariables(op, userID string, rules ...models.AutomationRule) {
	for _, rule := range rules {
		if unknown := render.UnknownVariables(rule.ResponseTemplate); len(unknown) > 0 {
			slog.Warn(op+": template has unknown variables", "userID", userID, "ruleID", rule.ID, "variables", unknown)
		}
	}
}

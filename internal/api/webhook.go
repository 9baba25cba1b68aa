package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/models"
)

// webhookVerifyHandler answers the subscription handshake on GET /webhooks/instagram.
func (s *Server) webhookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.opts.VerifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.opts.VerifyToken {
		slog.Warn("Server.webhookVerifyHandler: verification rejected", "mode", q.Get("hub.mode"))
		writeJSONResponse(w, http.StatusForbidden, models.Error("Verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, q.Get("hub.challenge")); err != nil {
		slog.Error("Server.webhookVerifyHandler: write failed", "error", err)
	}
}

// webhookHandler handles POST /webhooks/instagram. Events are processed after
// the response is written.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unreadable body"))
		return
	}
	if s.opts.AppSecret != "" && !instagram.VerifySignature(s.opts.AppSecret, body, r.Header.Get(instagram.SignatureHeader)) {
		slog.Warn("Server.webhookHandler: invalid signature")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	events, err := instagram.ParseWebhook(body, time.Now().UTC())
	if err != nil {
		slog.Warn("Server.webhookHandler: malformed delivery", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed webhook payload"))
		return
	}

	for _, ae := range events {
		ae := ae
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			defer cancel()
			s.processWebhookEvent(ctx, ae)
		}()
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted("Webhook received"))
}

// processWebhookEvent resolves the owning user of ae and runs the event
// through the engine.
func (s *Server) processWebhookEvent(ctx context.Context, ae instagram.AccountEvent) {
	conn, err := s.deps.Store.GetConnectionByIGUserID(ctx, ae.AccountID)
	if err != nil {
		slog.Error("Server.processWebhookEvent: connection lookup failed", "igUserID", ae.AccountID, "error", err)
		return
	}
	if conn == nil {
		slog.Warn("Server.processWebhookEvent: no user owns the account", "igUserID", ae.AccountID, "eventID", ae.Event.ID)
		return
	}

	ev := ae.Event
	ev.UserID = conn.UserID
	if ev.SourceUserHandle == "" && ev.SourceUserID != "" && s.deps.Profiles != nil && conn.IsLive() {
		profile, err := s.deps.Profiles.UserProfile(ctx, ev.SourceUserID, conn.AccessToken)
		if err != nil {
			slog.Warn("Server.processWebhookEvent: profile lookup failed", "igsid", ev.SourceUserID, "error", err)
		} else {
			ev.SourceUserHandle = profile.Username
			if ev.SourceName == "" {
				ev.SourceName = profile.Name
			}
		}
	}

	out, err := s.deps.Events.HandleEvent(ctx, ev)
	if err != nil {
		slog.Error("Server.processWebhookEvent: event failed", "eventID", ev.ID, "userID", ev.UserID, "error", err)
		return
	}
	slog.Debug("Server.processWebhookEvent: event handled", "eventID", out.EventID, "matched", out.Matched, "duplicate", out.Duplicate)
}

// testEventHandler handles POST /user/events. The event runs synchronously and
// the pipeline outcome is returned.
func (s *Server) testEventHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.TestEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.testEventHandler", err)
		return
	}
	if ve := models.ValidateStruct(req); ve != nil {
		writeError(w, "Server.testEventHandler", ve)
		return
	}

	ev := models.InboundEvent{
		ID:               req.ID,
		UserID:           userIDFrom(ctx),
		Kind:             req.Kind,
		SourceUserHandle: req.SourceUserHandle,
		SourceUserID:     req.SourceUserID,
		SourceName:       req.SourceName,
		Text:             req.Text,
		MediaID:          req.MediaID,
		CommentID:        req.CommentID,
		OriginalPoster:   req.OriginalPoster,
	}
	out, err := s.deps.Events.HandleEvent(ctx, ev)
	if err != nil {
		writeError(w, "Server.testEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

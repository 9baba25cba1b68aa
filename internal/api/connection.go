package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/models"
)

// connectionStatusHandler handles GET /user/instagram/status. A connected token
// that has not been checked recently is probed against the Graph API first.
func (s *Server) connectionStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	conn, err := s.deps.Store.GetConnection(ctx, userID)
	if err != nil {
		writeError(w, "Server.connectionStatusHandler", err)
		return
	}
	if conn == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(models.ConnectionStatusResponse{Status: models.ConnectionDisconnected}))
		return
	}
	if conn.IsLive() && time.Since(conn.CheckedAt) > statusProbeInterval {
		s.probeConnection(ctx, conn)
	}

	resp := models.ConnectionStatusResponse{
		Connected: conn.IsLive(),
		Username:  conn.Username,
		Status:    conn.Status,
	}
	if !conn.CheckedAt.IsZero() {
		checked := conn.CheckedAt
		resp.CheckedAt = &checked
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// probeConnection re-validates conn's token and persists the result. Transient
// Graph API errors leave the stored status untouched.
func (s *Server) probeConnection(ctx context.Context, conn *models.InstagramConnection) {
	if s.deps.Accounts == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	acct, err := s.deps.Accounts.CheckAccount(probeCtx, conn.IGUserID, conn.AccessToken)
	switch {
	case errors.Is(err, instagram.ErrTokenExpired):
		conn.Status = models.ConnectionExpired
		slog.Warn("Server.probeConnection: instagram token expired", "userID", conn.UserID, "igUserID", conn.IGUserID)
		s.notify(ctx, alert.Alert{
			Kind:    alert.KindConnectionExpired,
			UserID:  conn.UserID,
			Subject: "Instagram connection expired",
			Detail:  "@" + conn.Username + " must reconnect; automations are paused",
		}, "connection:"+conn.UserID)
	case err != nil:
		slog.Warn("Server.probeConnection: probe failed", "userID", conn.UserID, "error", err)
		return
	case acct.Username != "":
		conn.Username = acct.Username
	}

	conn.CheckedAt = time.Now().UTC()
	if err := s.deps.Store.SaveConnection(ctx, conn); err != nil {
		slog.Error("Server.probeConnection: save failed", "userID", conn.UserID, "error", err)
	}
}

// connectHandler handles PUT /user/instagram/connection.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	var req models.ConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.connectHandler", err)
		return
	}
	if ve := models.ValidateStruct(req); ve != nil {
		writeError(w, "Server.connectHandler", ve)
		return
	}

	username := req.Username
	if s.deps.Accounts != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		acct, err := s.deps.Accounts.CheckAccount(probeCtx, req.IGUserID, req.AccessToken)
		cancel()
		if err != nil {
			slog.Warn("Server.connectHandler: token rejected", "userID", userID, "igUserID", req.IGUserID, "error", err)
			writeError(w, "Server.connectHandler", models.NewValidationError("accessToken", "Instagram rejected the access token"))
			return
		}
		if acct.Username != "" {
			username = acct.Username
		}
	}

	now := time.Now().UTC()
	conn := &models.InstagramConnection{
		UserID:      userID,
		IGUserID:    req.IGUserID,
		Username:    username,
		AccessToken: req.AccessToken,
		Status:      models.ConnectionConnected,
		ConnectedAt: now,
		CheckedAt:   now,
	}
	if err := s.deps.Store.SaveConnection(ctx, conn); err != nil {
		writeError(w, "Server.connectHandler", err)
		return
	}
	s.reloadPosts(ctx)
	slog.Info("Server.connectHandler: instagram connected", "userID", userID, "igUserID", conn.IGUserID)
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConnectionStatusResponse{
		Connected: true,
		Username:  conn.Username,
		Status:    conn.Status,
		CheckedAt: &now,
	}))
}

// disconnectHandler handles DELETE /user/instagram/connection. Rules stay
// stored but stop matching until the account is reconnected.
func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	conn, err := s.deps.Store.GetConnection(ctx, userID)
	if err != nil {
		writeError(w, "Server.disconnectHandler", err)
		return
	}
	if conn == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(models.ConnectionStatusResponse{Status: models.ConnectionDisconnected}))
		return
	}
	conn.Status = models.ConnectionDisconnected
	conn.AccessToken = ""
	conn.CheckedAt = time.Now().UTC()
	if err := s.deps.Store.SaveConnection(ctx, conn); err != nil {
		writeError(w, "Server.disconnectHandler", err)
		return
	}
	s.reloadPosts(ctx)
	slog.Info("Server.disconnectHandler: instagram disconnected", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConnectionStatusResponse{
		Username: conn.Username,
		Status:   conn.Status,
	}))
}

func (s *Server) notify(ctx context.Context, a alert.Alert, dedupeKey string) {
	if s.deps.Alerts == nil {
		return
	}
	if err := s.deps.Alerts.Notify(ctx, a, dedupeKey); err != nil {
		slog.Error("Server.notify: alert failed", "kind", a.Kind, "userID", a.UserID, "error", err)
	}
}

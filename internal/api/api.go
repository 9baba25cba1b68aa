// Package api provides the HTTP server for InstaPipe.
//
// It exposes the authenticated REST endpoints used by the configuration UI, the
// Instagram webhook, analytics projections, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/engine"
	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// Default values for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes bounds request bodies, webhook deliveries included.
	maxBodyBytes = 1 << 20
	// eventTimeout bounds the background processing of one webhook event.
	eventTimeout = 30 * time.Second
	// statusProbeInterval is how often GET /user/instagram/status re-checks a token.
	statusProbeInterval = 5 * time.Minute
	probeTimeout        = 10 * time.Second
)

// EventHandler runs inbound events through the automation pipeline.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) (*engine.Outcome, error)
}

// PostReloader re-registers scheduled posts after rule changes.
type PostReloader interface {
	Reload(ctx context.Context) error
}

// AccountChecker verifies Instagram access tokens.
type AccountChecker interface {
	CheckAccount(ctx context.Context, igUserID, token string) (*instagram.Account, error)
}

// ProfileResolver looks up the handle of an Instagram-scoped user ID.
type ProfileResolver interface {
	UserProfile(ctx context.Context, igsid, token string) (*instagram.Account, error)
}

// AlertNotifier queues operator alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, a alert.Alert, dedupeKey string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
	AppSecret      string
	VerifyToken    string
	DefaultPolicy  models.RateLimitPolicy
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJWTSecret sets the HMAC secret used to verify bearer tokens.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithAllowedOrigins sets the CORS origins of the configuration UI.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithWebhookSecrets sets the app secret that signs webhook deliveries and the
// token echoed during subscription verification.
func WithWebhookSecrets(appSecret, verifyToken string) Option {
	return func(o *Opts) {
		o.AppSecret = appSecret
		o.VerifyToken = verifyToken
	}
}

// WithDefaultPolicy sets the policy reported when a user saved none.
func WithDefaultPolicy(p models.RateLimitPolicy) Option {
	return func(o *Opts) { o.DefaultPolicy = p }
}

// Deps are the collaborators of the API server. Store and Events are required.
type Deps struct {
	Store     store.Store
	Events    EventHandler
	Analytics *audit.Analytics
	Metrics   *audit.Metrics
	Sink      audit.Sink
	Posts     PostReloader
	Accounts  AccountChecker
	Profiles  ProfileResolver
	Alerts    AlertNotifier
}

// Server is the InstaPipe HTTP server.
type Server struct {
	Router *chi.Mux
	opts   Opts
	deps   Deps

	httpServer *http.Server
	// bg tracks webhook events processed after the response was written.
	bg sync.WaitGroup
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, DefaultPolicy: models.DefaultRateLimitPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{Router: chi.NewRouter(), opts: cfg, deps: deps}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(requestLogger)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	r := s.Router
	r.Get("/healthz", s.healthHandler)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/webhooks/instagram", s.webhookVerifyHandler)
	r.Post("/webhooks/instagram", s.webhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/user/automation-settings", s.getRuleSetHandler)
		r.Put("/user/automation-settings", s.putRuleSetHandler)

		r.Get("/user/automations", s.listRulesHandler)
		r.Post("/user/automations", s.createRuleHandler)
		r.Get("/user/automations/rule/{ruleID}", s.getRuleHandler)
		r.Put("/user/automations/rule/{ruleID}", s.updateRuleHandler)
		r.Delete("/user/automations/rule/{ruleID}", s.deleteRuleHandler)
		r.Post("/user/automations/rule/{ruleID}/toggle", s.toggleRuleHandler)
		r.Post("/user/automations/{kind}/reorder", s.reorderHandler)

		r.Get("/user/automation-policies/{kind}", s.getPolicyHandler)
		r.Put("/user/automation-policies/{kind}", s.putPolicyHandler)

		r.Get("/user/instagram/status", s.connectionStatusHandler)
		r.Put("/user/instagram/connection", s.connectHandler)
		r.Delete("/user/instagram/connection", s.disconnectHandler)

		r.Post("/user/events", s.testEventHandler)
		r.Get("/user/dispatches", s.listDispatchesHandler)

		r.Get("/analytics/overview", s.overviewHandler)
		r.Get("/analytics/performance", s.performanceHandler)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and waits
// for background webhook work.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// Wait blocks until background webhook processing has finished.
func (s *Server) Wait() {
	s.bg.Wait()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "instapipe"}))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

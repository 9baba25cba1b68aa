package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/alert"
	"github.com/BTreeMap/InstaPipe/internal/api"
	"github.com/BTreeMap/InstaPipe/internal/audit"
	"github.com/BTreeMap/InstaPipe/internal/dispatch"
	"github.com/BTreeMap/InstaPipe/internal/engine"
	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/lockfile"
	"github.com/BTreeMap/InstaPipe/internal/ratelimit"
	"github.com/BTreeMap/InstaPipe/internal/recovery"
	"github.com/BTreeMap/InstaPipe/internal/scheduler"
	"github.com/BTreeMap/InstaPipe/internal/store"
)

// dispatchStaleAfter is how long a claimed dispatch may stay unfinished
// before startup recovery fails it.
const dispatchStaleAfter = 5 * time.Minute

// service is the assembled process.
type service struct {
	runner   *store.JobRunner
	outbox   *store.OutboxSender
	posts    *scheduler.PostScheduler
	server   *api.Server
	recovery *recovery.RecoveryManager
}

// run wires the service, recovers durable state and serves until ctx ends.
func run(ctx context.Context, config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == "sqlite" {
		lock, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
		if err := ensureDirectoriesExist(config.DatabaseURL); err != nil {
			return err
		}
	}

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc, err := buildService(config, st)
	if err != nil {
		return err
	}
	return svc.serve(ctx)
}

// buildService connects every component to st.
func buildService(config Config, st store.Store) (*service, error) {
	metrics := audit.NewMetrics()
	sink := audit.NewRecorder(st, metrics)
	ig := instagram.NewClient(instagram.WithBaseURL(config.GraphBaseURL))

	sms, err := buildSMSSender(config)
	if err != nil {
		return nil, err
	}
	outbox := store.NewOutboxSender(st, alert.SendFunc(sms), config.OutboxPollInterval,
		store.WithOutboxResult(func(_ store.OutboxMessage, err error) { metrics.ObserveAlert(err) }),
	)
	notifier := alert.NewNotifier(st, config.AlertTo)
	notifier.OnQueued(func() {
		metrics.AlertsQueued.Inc()
		outbox.Notify()
	})

	runner := store.NewJobRunner(st, config.JobPollInterval, store.WithConcurrency(config.JobConcurrency))
	queue := scheduler.NewDelayQueue(st, runner)
	queue.Register(dispatch.NewDispatcher(st, st, st, ig, sink,
		dispatch.WithTimeout(config.DispatchTimeout),
		dispatch.WithAlerts(notifier),
		dispatch.WithMetrics(metrics),
	))

	limiter := ratelimit.NewLimiter(st, st, config.DefaultPolicy)
	eng := engine.New(st, limiter, queue, sink, engine.WithMetrics(metrics))
	posts := scheduler.NewPostScheduler(st, eng.HandlePostTick, scheduler.WithPostMetrics(metrics))

	deps := api.Deps{
		Store:     st,
		Events:    eng,
		Analytics: audit.NewAnalytics(st, st),
		Metrics:   metrics,
		Sink:      sink,
		Posts:     posts,
		Accounts:  ig,
		Alerts:    notifier,
	}
	if config.ProfileLookup {
		deps.Profiles = ig
	}
	if config.JWTSecret == "" {
		slog.Warn("buildService: JWT_SECRET not set, authenticated routes will reject every request")
	}
	server := api.NewServer(deps, buildAPIOptions(config)...)

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable("dispatches", recovery.DispatchRecovery(dispatchStaleAfter))
	rm.RegisterRecoverable("jobs", recovery.JobRecovery(runner))
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(outbox))
	rm.RegisterRecoverable("scheduled_posts", recovery.PostScheduleRecovery(posts))

	return &service{runner: runner, outbox: outbox, posts: posts, server: server, recovery: rm}, nil
}

// serve recovers state, starts the background workers and blocks in the HTTP
// server until ctx is cancelled.
func (s *service) serve(ctx context.Context) error {
	if err := s.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("service.serve: recovery incomplete", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runner.Run(ctx) }()
	go func() { defer wg.Done(); s.outbox.Run(ctx) }()
	s.posts.Start(ctx)

	err := s.server.Run(ctx)

	s.posts.Stop()
	wg.Wait()
	return err
}

// buildSMSSender returns a Twilio client when credentials are configured and a
// logging sender otherwise.
func buildSMSSender(config Config) (alert.SMSSender, error) {
	if config.TwilioAccountSID == "" && config.TwilioAuthToken == "" {
		slog.Info("buildSMSSender: Twilio not configured, alerts are logged only")
		return alert.LogSender{}, nil
	}
	client, err := alert.NewTwilioClient(
		alert.WithAccountSID(config.TwilioAccountSID),
		alert.WithAuthToken(config.TwilioAuthToken),
		alert.WithFrom(config.TwilioFrom),
	)
	if err != nil {
		return nil, fmt.Errorf("configure twilio: %w", err)
	}
	return client, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithJWTSecret(config.JWTSecret),
		api.WithWebhookSecrets(config.AppSecret, config.VerifyToken),
		api.WithDefaultPolicy(config.DefaultPolicy),
	}
	if len(config.AllowedOrigins) > 0 {
		opts = append(opts, api.WithAllowedOrigins(config.AllowedOrigins))
	}
	return opts
}

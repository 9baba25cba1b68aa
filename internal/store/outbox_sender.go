package store

import (
	"context"
	"log/slog"
	"time"
)

// Sender defaults.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxSendTimeout  = 15 * time.Second
	maxOutboxBackoff          = 30 * time.Minute
)

// OutboxSendFunc performs the actual send of an outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxResultFunc observes the result of each send attempt. err is nil on success.
type OutboxResultFunc func(msg OutboxMessage, err error)

// OutboxSender delivers queued outbox messages. A failed send is retried with
// backoff until the repository parks it after MaxOutboxAttempts.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	onResult OutboxResultFunc

	pollInterval   time.Duration
	sendTimeout    time.Duration
	staleThreshold time.Duration
	claimLimit     int

	wake chan struct{}
	now  func() time.Time
}

// OutboxOption configures an OutboxSender.
type OutboxOption func(*OutboxSender)

// WithSendTimeout bounds each call to the send function.
func WithSendTimeout(d time.Duration) OutboxOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithOutboxResult registers a callback run after every send attempt.
func WithOutboxResult(fn OutboxResultFunc) OutboxOption {
	return func(s *OutboxSender) { s.onResult = fn }
}

// NewOutboxSender creates an OutboxSender. A non-positive pollInterval falls
// back to DefaultOutboxPollInterval.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...OutboxOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		sendTimeout:    DefaultOutboxSendTimeout,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		wake:           make(chan struct{}, 1),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify asks the sender to poll now. It never blocks.
func (s *OutboxSender) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RecoverStaleMessages requeues messages a previous process left in sending.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval, "sendTimeout", s.sendTimeout)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.poll(ctx)
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, s.now(), s.claimLimit)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("OutboxSender.poll: claim failed", "error", err)
		}
		return
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage) {
	slog.Debug("OutboxSender.deliver: sending", "id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempts+1)

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	err := s.sendFunc(sendCtx, msg)
	cancel()
	if s.onResult != nil {
		s.onResult(msg, err)
	}

	if err != nil {
		retryIn := outboxBackoff(msg.Attempts)
		slog.Error("OutboxSender.deliver: send failed", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "retryIn", retryIn, "error", err)
		if ferr := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), s.now().Add(retryIn)); ferr != nil {
			slog.Error("OutboxSender.deliver: record failure", "id", msg.ID, "error", ferr)
		}
		return
	}
	if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
		slog.Error("OutboxSender.deliver: mark sent", "id", msg.ID, "error", err)
		return
	}
	slog.Debug("OutboxSender.deliver: sent", "id", msg.ID, "kind", msg.Kind)
}

// outboxBackoff doubles from 10s per failed attempt, up to 30 minutes.
func outboxBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 8 {
		return maxOutboxBackoff
	}
	d := time.Duration(10*(1<<attempts)) * time.Second
	if d > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return d
}

// Package alert notifies the operator about failed dispatches and expired
// Instagram connections. Alerts are queued in the durable outbox and delivered
// by store.OutboxSender.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/InstaPipe/internal/store"
)

// Alert kinds stored in the outbox.
const (
	KindDispatchFailed    = "dispatch_failed"
	KindConnectionExpired = "connection_expired"
)

// maxBodyLength keeps alerts within a single SMS segment pair.
const maxBodyLength = 300

// Alert is one operator notification.
type Alert struct {
	Kind    string `json:"kind"`
	UserID  string `json:"userId"`
	Subject string `json:"subject"`
	Detail  string `json:"detail,omitempty"`
}

// Text formats the alert as a short message.
func (a Alert) Text() string {
	text := fmt.Sprintf("[InstaPipe] %s (user %s)", a.Subject, a.UserID)
	if a.Detail != "" {
		text += ": " + a.Detail
	}
	if r := []rune(text); len(r) > maxBodyLength {
		text = string(r[:maxBodyLength-3]) + "..."
	}
	return text
}

// Notifier queues alerts for one operator number.
type Notifier struct {
	outbox    store.OutboxRepo
	recipient string
	onQueued  func()
}

// NewNotifier creates a Notifier. With an empty recipient every alert is only logged.
func NewNotifier(outbox store.OutboxRepo, recipient string) *Notifier {
	return &Notifier{outbox: outbox, recipient: strings.TrimSpace(recipient)}
}

// OnQueued registers a callback invoked after each alert is placed in the outbox.
func (n *Notifier) OnQueued(fn func()) {
	n.onQueued = fn
}

// Notify queues the alert. dedupeKey collapses repeated alerts for the same
// cause while one is still pending.
func (n *Notifier) Notify(ctx context.Context, a Alert, dedupeKey string) error {
	if n == nil {
		return nil
	}
	if n.recipient == "" || n.outbox == nil {
		slog.Warn("Notifier.Notify: no alert recipient configured", "kind", a.Kind, "userID", a.UserID, "subject", a.Subject)
		return nil
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	id, err := n.outbox.EnqueueOutboxMessage(ctx, n.recipient, a.Kind, string(payload), dedupeKey)
	if err != nil {
		slog.Error("Notifier.Notify: enqueue failed", "kind", a.Kind, "userID", a.UserID, "error", err)
		return fmt.Errorf("enqueue alert: %w", err)
	}
	slog.Info("Notifier.Notify: alert queued", "id", id, "kind", a.Kind, "userID", a.UserID)
	if n.onQueued != nil {
		n.onQueued()
	}
	return nil
}

// SendFunc adapts an SMSSender to the outbox sender.
func SendFunc(sender SMSSender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var a Alert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &a); err != nil {
			return fmt.Errorf("decode alert %s: %w", msg.ID, err)
		}
		return sender.SendSMS(ctx, msg.Recipient, a.Text())
	}
}

package instagram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body keyed by the app secret.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a "sha256=<hex>" signature header against body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the signature header value for body. Used by tests and the local
// event replayer.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Changes   []webhookChange    `json:"changes"`
	Messaging []webhookMessaging `json:"messaging"`
}

type webhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type webhookUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

type commentValue struct {
	ID    string      `json:"id"`
	Text  string      `json:"text"`
	From  webhookUser `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}

type followValue struct {
	webhookUser
	Timestamp int64 `json:"timestamp"`
}

type webhookMessaging struct {
	Sender    webhookUser `json:"sender"`
	Recipient webhookUser `json:"recipient"`
	Timestamp int64       `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// AccountEvent is a decoded webhook event addressed to one connected Instagram
// account. Event.UserID is left empty for the caller to resolve from AccountID.
type AccountEvent struct {
	AccountID string
	Event     models.InboundEvent
}

// ParseWebhook decodes a webhook delivery into inbound events. Echoes of the
// account's own messages and unsupported fields are dropped.
func ParseWebhook(body []byte, receivedAt time.Time) ([]AccountEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Object != "" && payload.Object != "instagram" {
		return nil, fmt.Errorf("unsupported webhook object %q", payload.Object)
	}

	var out []AccountEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			ev, ok, err := parseChange(entry, change, receivedAt)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, AccountEvent{AccountID: entry.ID, Event: ev})
			}
		}
		for _, msg := range entry.Messaging {
			if ev, ok := parseMessaging(entry, msg, receivedAt); ok {
				out = append(out, AccountEvent{AccountID: entry.ID, Event: ev})
			}
		}
	}
	return out, nil
}

func parseChange(entry webhookEntry, change webhookChange, receivedAt time.Time) (models.InboundEvent, bool, error) {
	switch change.Field {
	case "comments", "live_comments":
		var v commentValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return models.InboundEvent{}, false, fmt.Errorf("decode %s change: %w", change.Field, err)
		}
		if v.ID == "" || v.From.ID == entry.ID {
			return models.InboundEvent{}, false, nil
		}
		text := v.Text
		return models.InboundEvent{
			ID:               "ig:comment:" + v.ID,
			Kind:             models.EventComment,
			SourceUserHandle: v.From.Username,
			SourceUserID:     v.From.ID,
			SourceName:       v.From.Name,
			Text:             &text,
			MediaID:          v.Media.ID,
			CommentID:        v.ID,
			ReceivedAt:       receivedAt,
		}, true, nil
	case "follows":
		var v followValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return models.InboundEvent{}, false, fmt.Errorf("decode follows change: %w", err)
		}
		if v.ID == "" {
			return models.InboundEvent{}, false, nil
		}
		ts := v.Timestamp
		if ts == 0 {
			ts = entry.Time
		}
		return models.InboundEvent{
			ID:               fmt.Sprintf("ig:follow:%s:%s:%d", entry.ID, v.ID, ts),
			Kind:             models.EventFollow,
			SourceUserHandle: v.Username,
			SourceUserID:     v.ID,
			SourceName:       v.Name,
			ReceivedAt:       receivedAt,
		}, true, nil
	default:
		return models.InboundEvent{}, false, nil
	}
}

func parseMessaging(entry webhookEntry, m webhookMessaging, receivedAt time.Time) (models.InboundEvent, bool) {
	if m.Message == nil || m.Message.IsEcho || m.Message.MID == "" || m.Sender.ID == entry.ID {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		SourceUserHandle: m.Sender.Username,
		SourceUserID:     m.Sender.ID,
		ReceivedAt:       receivedAt,
	}
	for _, a := range m.Message.Attachments {
		if a.Type == "story_mention" {
			ev.ID = "ig:story:" + m.Message.MID
			ev.Kind = models.EventStoryMention
			ev.MediaID = a.Payload.URL
			if m.Message.Text != "" {
				text := m.Message.Text
				ev.Text = &text
			}
			return ev, true
		}
	}
	if m.Message.Text == "" {
		return models.InboundEvent{}, false
	}
	text := m.Message.Text
	ev.ID = "ig:dm:" + m.Message.MID
	ev.Kind = models.EventDM
	ev.Text = &text
	return ev, true
}

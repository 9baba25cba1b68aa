package models

import (
	"strings"
	"time"
)

// EventKind identifies the Instagram interaction that produced an inbound event.
type EventKind string

const (
	EventComment      EventKind = "comment"
	EventDM           EventKind = "dm"
	EventStoryMention EventKind = "story_mention"
	EventFollow       EventKind = "follow"
)

// RuleKinds returns the automation kinds an event of this kind is matched against,
// in evaluation order.
func (k EventKind) RuleKinds() []AutomationKind {
	switch k {
	case EventComment:
		return []AutomationKind{KindCommentToDM, KindHashtagMonitor}
	case EventDM:
		return []AutomationKind{KindDMAutoReply}
	case EventStoryMention:
		return []AutomationKind{KindStoryMention}
	case EventFollow:
		return []AutomationKind{KindWelcomeFlow}
	default:
		return nil
	}
}

// InboundEvent is an immutable record of one platform event. Its ID is the
// idempotency key for dispatch.
type InboundEvent struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Kind             EventKind `json:"kind"`
	SourceUserHandle string    `json:"sourceUserHandle"`
	SourceUserID     string    `json:"sourceUserId,omitempty"`
	SourceName       string    `json:"sourceName,omitempty"`
	Text             *string   `json:"text"`
	MediaID          string    `json:"mediaId,omitempty"`
	CommentID        string    `json:"commentId,omitempty"`
	OriginalPoster   string    `json:"originalPoster,omitempty"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// HasText reports whether the event carries text to match keywords against.
func (e InboundEvent) HasText() bool {
	return e.Text != nil
}

// TextValue returns the event text or the empty string.
func (e InboundEvent) TextValue() string {
	if e.Text == nil {
		return ""
	}
	return *e.Text
}

// Handle returns the source handle without a leading "@".
func (e InboundEvent) Handle() string {
	return strings.TrimPrefix(strings.TrimSpace(e.SourceUserHandle), "@")
}

// ActionType is the outbound operation a dispatch performs.
type ActionType string

const (
	ActionSendDM       ActionType = "send_dm"
	ActionReplyComment ActionType = "reply_comment"
	ActionPublishPost  ActionType = "publish_post"
)

// DispatchStatus is the lifecycle state of a DispatchRecord.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "pending"
	DispatchSent        DispatchStatus = "sent"
	DispatchFailed      DispatchStatus = "failed"
	DispatchRateLimited DispatchStatus = "rate_limited"
	DispatchSkipped     DispatchStatus = "skipped"
)

// IsTerminal reports whether no further transition is allowed.
func (s DispatchStatus) IsTerminal() bool {
	return s != DispatchPending
}

// DispatchRecord tracks one rule firing for one event. (EventID, RuleID) is unique.
type DispatchRecord struct {
	ID              string            `json:"id"`
	EventID         string            `json:"eventId"`
	RuleID          string            `json:"ruleId"`
	UserID          string            `json:"userId"`
	Kind            AutomationKind    `json:"kind"`
	Action          ActionType        `json:"action"`
	Recipient       string            `json:"recipient,omitempty"`
	TargetID        string            `json:"targetId,omitempty"`
	Keyword         string            `json:"keyword,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	RenderedMessage string            `json:"renderedMessage,omitempty"`
	Status          DispatchStatus    `json:"status"`
	DenyReason      string            `json:"denyReason,omitempty"`
	Error           string            `json:"error,omitempty"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	ExecutedAt      *time.Time        `json:"executedAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// DispatchFilter narrows dispatch listings.
type DispatchFilter struct {
	Kind   AutomationKind
	Status DispatchStatus
	Limit  int
}

// ConnectionStatus describes the state of a user's Instagram link.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionExpired      ConnectionStatus = "expired"
)

// InstagramConnection links a user account to an Instagram professional account.
type InstagramConnection struct {
	UserID      string           `json:"userId"`
	IGUserID    string           `json:"igUserId"`
	Username    string           `json:"username"`
	AccessToken string           `json:"-"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt time.Time        `json:"connectedAt"`
	CheckedAt   time.Time        `json:"checkedAt"`
}

// IsLive reports whether dispatches may be sent on behalf of the user.
func (c *InstagramConnection) IsLive() bool {
	return c != nil && c.Status == ConnectionConnected && c.AccessToken != ""
}

// ConnectionStatusResponse is returned by GET /user/instagram/status.
type ConnectionStatusResponse struct {
	Connected bool             `json:"connected"`
	Username  string           `json:"username,omitempty"`
	Status    ConnectionStatus `json:"status"`
	CheckedAt *time.Time       `json:"checkedAt,omitempty"`
}

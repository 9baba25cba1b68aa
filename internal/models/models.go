// Package models defines the core data structures for InstaPipe.
//
// It includes automation rules and their rate-limit policies, inbound Instagram events,
// dispatch records and the API envelopes shared across modules.
package models

import (
	"strings"
	"time"
)

// AutomationKind is the category of automation a rule belongs to.
type AutomationKind string

const (
	KindCommentToDM    AutomationKind = "comment_to_dm"
	KindDMAutoReply    AutomationKind = "dm_auto_reply"
	KindStoryMention   AutomationKind = "story_mention"
	KindWelcomeFlow    AutomationKind = "welcome_flow"
	KindHashtagMonitor AutomationKind = "hashtag_monitor"
	KindScheduledPost  AutomationKind = "scheduled_post"
)

// Template length limits enforced at write time.
const (
	// MaxDMTemplateLength bounds templates that end up in a direct message.
	MaxDMTemplateLength = 1000
	// MaxPostTemplateLength bounds templates published as captions or comments.
	MaxPostTemplateLength = 2200
	// MaxRuleNameLength bounds the optional rule label.
	MaxRuleNameLength = 100
	// MaxDelaySeconds bounds the per-rule response delay (one day).
	MaxDelaySeconds = 86400
)

// AllKinds lists every supported automation kind in display order.
func AllKinds() []AutomationKind {
	return []AutomationKind{
		KindCommentToDM,
		KindDMAutoReply,
		KindStoryMention,
		KindWelcomeFlow,
		KindHashtagMonitor,
		KindScheduledPost,
	}
}

// IsValidKind reports whether k is a supported automation kind.
func IsValidKind(k AutomationKind) bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts a query or path value into an AutomationKind.
func ParseKind(s string) (AutomationKind, error) {
	k := AutomationKind(strings.TrimSpace(strings.ToLower(s)))
	if !IsValidKind(k) {
		return "", ErrUnknownKind
	}
	return k, nil
}

// RequiresKeywords reports whether rules of this kind only fire on a keyword match.
// Welcome flows fire on the follow itself and scheduled posts fire on their cron schedule.
func (k AutomationKind) RequiresKeywords() bool {
	switch k {
	case KindWelcomeFlow, KindScheduledPost:
		return false
	default:
		return true
	}
}

// MaxTemplateLength returns the response template limit for the kind.
func (k AutomationKind) MaxTemplateLength() int {
	switch k.Action() {
	case ActionReplyComment, ActionPublishPost:
		return MaxPostTemplateLength
	default:
		return MaxDMTemplateLength
	}
}

// Action returns the outbound action a matched rule of this kind performs.
func (k AutomationKind) Action() ActionType {
	switch k {
	case KindHashtagMonitor:
		return ActionReplyComment
	case KindScheduledPost:
		return ActionPublishPost
	default:
		return ActionSendDM
	}
}

// MatchType selects how a trigger keyword is compared against event text.
type MatchType string

const (
	// MatchContains matches when the keyword occurs anywhere in the text.
	MatchContains MatchType = "contains"
	// MatchExact matches when the trimmed text equals the keyword.
	MatchExact MatchType = "exact"
)

// RateLimitPolicy caps how many actions may be dispatched for a user and kind.
// The hourly and daily windows are independent sliding windows.
type RateLimitPolicy struct {
	MaxActionsPerHour             int `json:"maxActionsPerHour" validate:"gt=0"`
	MaxActionsPerDay              int `json:"maxActionsPerDay" validate:"gt=0"`
	MinDelayBetweenActionsSeconds int `json:"minDelayBetweenActionsSeconds" validate:"gte=0"`
}

// MinDelay returns the minimum spacing between two admitted actions.
func (p RateLimitPolicy) MinDelay() time.Duration {
	return time.Duration(p.MinDelayBetweenActionsSeconds) * time.Second
}

// AutomationRule is a user-defined keyword to response mapping for one automation kind.
type AutomationRule struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Kind             AutomationKind   `json:"kind" validate:"required,automation_kind"`
	Name             string           `json:"name,omitempty" validate:"max=100"`
	Triggers         []string         `json:"triggers"`
	MatchType        MatchType        `json:"matchType" validate:"required,oneof=contains exact"`
	CaseSensitive    bool             `json:"caseSensitive"`
	ResponseTemplate string           `json:"responseTemplate" validate:"required"`
	DelaySeconds     int              `json:"delaySeconds" validate:"gte=0,lte=86400"`
	Priority         int              `json:"priority" validate:"gte=0"`
	IsActive         bool             `json:"isActive"`
	RateLimit        *RateLimitPolicy `json:"rateLimit,omitempty"`
	Schedule         string           `json:"schedule,omitempty"`
	MediaURL         string           `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Normalize trims and deduplicates triggers and fills defaults. Deduplication is
// case-insensitive unless the rule is case sensitive.
func (r *AutomationRule) Normalize() {
	if r.MatchType == "" {
		r.MatchType = MatchContains
	}
	r.Name = strings.TrimSpace(r.Name)
	r.Schedule = strings.TrimSpace(r.Schedule)
	r.MediaURL = strings.TrimSpace(r.MediaURL)

	seen := make(map[string]struct{}, len(r.Triggers))
	triggers := make([]string, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := t
		if !r.CaseSensitive {
			key = strings.ToLower(t)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		triggers = append(triggers, t)
	}
	r.Triggers = triggers
}

// RuleInput is the client-facing shape of a rule in create, update and rule-set requests.
// IsActive defaults to true when omitted.
type RuleInput struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	Triggers         []string         `json:"triggers"`
	MatchType        MatchType        `json:"matchType,omitempty"`
	CaseSensitive    bool             `json:"caseSensitive"`
	ResponseTemplate string           `json:"responseTemplate"`
	DelaySeconds     int              `json:"delaySeconds"`
	Priority         int              `json:"priority,omitempty"`
	IsActive         *bool            `json:"isActive,omitempty"`
	RateLimit        *RateLimitPolicy `json:"rateLimit,omitempty"`
	Schedule         string           `json:"schedule,omitempty"`
	MediaURL         string           `json:"mediaUrl,omitempty"`
}

// ToRule builds a normalized rule owned by userID.
func (in RuleInput) ToRule(userID string, kind AutomationKind) AutomationRule {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	r := AutomationRule{
		ID:               in.ID,
		UserID:           userID,
		Kind:             kind,
		Name:             in.Name,
		Triggers:         append([]string(nil), in.Triggers...),
		MatchType:        in.MatchType,
		CaseSensitive:    in.CaseSensitive,
		ResponseTemplate: in.ResponseTemplate,
		DelaySeconds:     in.DelaySeconds,
		Priority:         in.Priority,
		IsActive:         active,
		RateLimit:        in.RateLimit,
		Schedule:         in.Schedule,
		MediaURL:         in.MediaURL,
	}
	r.Normalize()
	return r
}

// CreateRuleRequest is the payload of POST /user/automations.
type CreateRuleRequest struct {
	Kind AutomationKind `json:"kind"`
	RuleInput
}

// RuleSetRequest is the payload of PUT /user/automation-settings. It replaces the
// caller's whole rule set for one kind. IsEnabled=false stores every rule inactive.
type RuleSetRequest struct {
	Kind         AutomationKind   `json:"kind"`
	IsEnabled    *bool            `json:"isEnabled,omitempty"`
	RateLimiting *RateLimitPolicy `json:"rateLimiting,omitempty"`
	Rules        []RuleInput      `json:"rules"`
}

// RuleSetResponse is returned by the automation-settings endpoints.
type RuleSetResponse struct {
	Kind         AutomationKind   `json:"kind"`
	RateLimiting RateLimitPolicy  `json:"rateLimiting"`
	Rules        []AutomationRule `json:"rules"`
}

// ReorderRequest is the payload of POST /user/automations/{kind}/reorder.
type ReorderRequest struct {
	OrderedIDs []string `json:"orderedIds" validate:"required,min=1,dive,required"`
}

// ConnectionRequest hands a freshly issued Instagram token to the service.
type ConnectionRequest struct {
	IGUserID    string `json:"igUserId" validate:"required"`
	Username    string `json:"username" validate:"required,max=30"`
	AccessToken string `json:"accessToken" validate:"required"`
}

// TestEventRequest injects an event for the authenticated user.
type TestEventRequest struct {
	ID               string    `json:"id,omitempty"`
	Kind             EventKind `json:"kind" validate:"required,oneof=comment dm story_mention follow"`
	SourceUserHandle string    `json:"sourceUserHandle" validate:"required"`
	SourceUserID     string    `json:"sourceUserId,omitempty"`
	SourceName       string    `json:"sourceName,omitempty"`
	Text             *string   `json:"text,omitempty"`
	MediaID          string    `json:"mediaId,omitempty"`
	CommentID        string    `json:"commentId,omitempty"`
	OriginalPoster   string    `json:"originalPoster,omitempty"`
}

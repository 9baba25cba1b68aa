// Package messaging defines the outbound channel used by the dispatcher.
package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// Action is one outbound operation on behalf of a connected Instagram account.
type Action struct {
	Type models.ActionType
	// AccountID is the Instagram professional account that acts.
	AccountID   string
	AccessToken string
	// Recipient is the Instagram-scoped ID of the user who receives a DM.
	Recipient string
	// TargetID is the comment answered by reply_comment. On send_dm it makes
	// the DM a private reply to that comment and takes precedence over Recipient.
	TargetID string
	Body     string
	// MediaURL is the image published by publish_post.
	MediaURL string
}

// Service is a pluggable message delivery abstraction.
type Service interface {
	// Send performs the action exactly once. Errors are transport failures and
	// are never retried by the caller.
	Send(ctx context.Context, action Action) error
}

// ValidateAction checks that the action carries what its type needs.
func ValidateAction(a Action) error {
	if a.AccountID == "" || a.AccessToken == "" {
		return fmt.Errorf("%s: sending account is not connected", a.Type)
	}
	if strings.TrimSpace(a.Body) == "" {
		return fmt.Errorf("%s: body cannot be empty", a.Type)
	}
	switch a.Type {
	case models.ActionSendDM:
		if a.Recipient == "" && a.TargetID == "" {
			return fmt.Errorf("send_dm: recipient or comment id required")
		}
	case models.ActionReplyComment:
		if a.TargetID == "" {
			return fmt.Errorf("reply_comment: comment id required")
		}
	case models.ActionPublishPost:
		if a.MediaURL == "" {
			return fmt.Errorf("publish_post: media URL required")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

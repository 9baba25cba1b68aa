package store

import (
	"context"
	"time"
)

// DedupRecord marks an inbound webhook delivery as seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	OwnerID     string     `json:"owner_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo deduplicates inbound platform events.
type DedupRepo interface {
	// IsDuplicate reports whether the message ID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// message was already recorded.
	RecordInbound(ctx context.Context, messageID, ownerID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ForgetInbound removes a message's record so a redelivery is handled again.
	ForgetInbound(ctx context.Context, messageID string) error
}

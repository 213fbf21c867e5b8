package chat

import (
	"context"
	"time"
)

// MessageStore is the durable, append-only message log.
//
// Requirements:
//   - Insert assigns strictly increasing ids and the insert timestamp.
//   - Insert is idempotent per (sender, client_msg_id) when ClientMsgID is set;
//     a repeat returns the stored row with Duplicated whatever its fields.
//   - RangeBetween matches the pair in both directions, id > sinceID,
//     ordered by date ASC then id ASC. No match is an empty slice, not an error.
//   - PartnersOf is deduplicated regardless of direction and sorted by id.
//   - LatestBetween returns ErrNotFound when the pair has no messages.
//
// The store does not reject sender == recipient; that rule lives in Service.
type MessageStore interface {
	Insert(ctx context.Context, in InsertInput) (InsertResult, error)
	RangeBetween(ctx context.Context, userA, userB string, sinceID int64) ([]Message, error)
	PartnersOf(ctx context.Context, userID string) ([]string, error)
	LatestBetween(ctx context.Context, userA, userB string) (Message, error)
	Close() error
}

// LatestPerPartnerLister is implemented by stores that can compute the inbox
// in a single grouped query (partition by pair, take the newest row).
// Output must match PartnersOf + LatestBetween exactly.
type LatestPerPartnerLister interface {
	LatestPerPartner(ctx context.Context, userID string) ([]ConversationSummary, error)
}

// InsertInput describes a message append request.
type InsertInput struct {
	SenderID    string
	RecipientID string
	Content     string

	// ClientMsgID is an optional idempotency key scoped to the sender.
	ClientMsgID string

	// Now overrides the insert timestamp (tests); zero means time.Now().UTC().
	Now time.Time
}

// InsertResult is the append operation result.
type InsertResult struct {
	Message    Message
	Duplicated bool
}

func (in InsertInput) validate(op string) error {
	if in.SenderID == "" || in.RecipientID == "" {
		return invalidInput(op, "missing sender or recipient")
	}
	return nil
}

func (in InsertInput) timestamp() time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now.UTC()
}

func latestNotFound(op string) error {
	return NotFoundError{Op: op, Resource: "message"}
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// gormMessage is the row shape of the messages table for GORM backends.
// It mirrors db/schema.sql so both SQL backends share one layout.
type gormMessage struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SenderID    string    `gorm:"size:64;not null;index:idx_messages_sender_recipient,priority:1;uniqueIndex:uq_messages_sender_client_msg,priority:1"`
	RecipientID string    `gorm:"size:64;not null;index:idx_messages_sender_recipient,priority:2;index:idx_messages_recipient_sender,priority:1"`
	PairKey     string    `gorm:"size:160;not null;index:idx_messages_pair_date,priority:1"`
	Content     string    `gorm:"size:4096;not null"`
	Date        time.Time `gorm:"not null;index:idx_messages_pair_date,priority:2"`
	ClientMsgID *string   `gorm:"size:64;uniqueIndex:uq_messages_sender_client_msg,priority:2"`
}

func (gormMessage) TableName() string { return "messages" }

func (r gormMessage) toMessage() Message {
	return Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		Date:        r.Date.UTC(),
	}
}

// GormStore is a MessageStore over GORM, used with SQLite for single-node
// persistent deployments.
//
// Ownership model: the *gorm.DB (and its sql.DB) is owned by the caller.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GORM-backed MessageStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil gorm db")
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the messages table and its indexes.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&gormMessage{})
}

// Close is a no-op because the DB handle is owned by the caller.
func (s *GormStore) Close() error { return nil }

// Insert appends a message, deduplicating on (sender, client_msg_id).
func (s *GormStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	const op = "chat.GormStore.Insert"
	if err := in.validate(op); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	row := gormMessage{
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		PairKey:     PairKey(in.SenderID, in.RecipientID),
		Content:     in.Content,
		Date:        in.timestamp(),
	}
	if in.ClientMsgID != "" {
		id := in.ClientMsgID
		row.ClientMsgID = &id

		if existing, ok, err := s.findByClientMsgID(ctx, in.SenderID, id); err != nil {
			return InsertResult{}, err
		} else if ok {
			return InsertResult{Message: existing, Duplicated: true}, nil
		}
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		// Lost a race with a concurrent duplicate; return the winner.
		if row.ClientMsgID != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ok, ferr := s.findByClientMsgID(ctx, in.SenderID, *row.ClientMsgID)
			if ferr == nil && ok {
				return InsertResult{Message: existing, Duplicated: true}, nil
			}
		}
		return InsertResult{}, fmt.Errorf("insert message: %w", err)
	}
	return InsertResult{Message: row.toMessage()}, nil
}

func (s *GormStore) findByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, bool, error) {
	var row gormMessage
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND client_msg_id = ?", senderID, clientMsgID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return row.toMessage(), true, nil
}

// RangeBetween returns the pair's messages with id > sinceID, ordered by date then id.
func (s *GormStore) RangeBetween(ctx context.Context, userA, userB string, sinceID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []gormMessage
	err := s.db.WithContext(ctx).
		Where("pair_key = ? AND id > ?", PairKey(userA, userB), sinceID).
		Order("date ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// PartnersOf returns the distinct users userID has exchanged messages with.
func (s *GormStore) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.WithContext(ctx).Raw(
		`SELECT recipient_id FROM messages WHERE sender_id = ?
		 UNION
		 SELECT sender_id FROM messages WHERE recipient_id = ?
		 ORDER BY 1`,
		userID, userID,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBetween returns the newest message of the pair or ErrNotFound.
func (s *GormStore) LatestBetween(ctx context.Context, userA, userB string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var row gormMessage
	err := s.db.WithContext(ctx).
		Where("pair_key = ?", PairKey(userA, userB)).
		Order("date DESC").Order("id DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, latestNotFound("chat.GormStore.LatestBetween")
	}
	if err != nil {
		return Message{}, err
	}
	return row.toMessage(), nil
}

// LatestPerPartner computes the inbox with a newest-row-per-pair subquery.
func (s *GormStore) LatestPerPartner(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []gormMessage
	err := s.db.WithContext(ctx).Raw(
		`SELECT m.* FROM messages m
		  WHERE m.id IN (
		    SELECT (SELECT x.id FROM messages x
		             WHERE x.pair_key = p.pair_key
		             ORDER BY x.date DESC, x.id DESC
		             LIMIT 1)
		      FROM (SELECT DISTINCT pair_key FROM messages
		             WHERE sender_id = ? OR recipient_id = ?) p
		  )`,
		userID, userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		m := r.toMessage()
		out = append(out, ConversationSummary{PartnerID: m.PartnerOf(userID), LastMessage: m})
	}
	sortByPartner(out)
	return out, nil
}

func toMessages(rows []gormMessage) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out
}

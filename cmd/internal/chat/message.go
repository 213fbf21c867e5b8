package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentChars bounds message content (runes, after trimming).
	MaxContentChars = 1024

	// MaxClientMsgIDLen bounds the optional caller-supplied idempotency key.
	MaxClientMsgIDLen = 64
)

// Message is an immutable directed message.
// ID is assigned by the store and doubles as the watermark key.
type Message struct {
	ID          int64
	SenderID    string
	RecipientID string
	Content     string
	Date        time.Time
}

// PartnerOf returns the other side of the message from userID's perspective.
func (m Message) PartnerOf(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// ConversationSummary is one inbox entry: a partner and the most recent
// message exchanged with them.
type ConversationSummary struct {
	PartnerID   string
	LastMessage Message
}

// PairKey returns the order-independent key of the pair {a, b}.
// PairKey(a, b) == PairKey(b, a) for all a, b.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}

// messageLess orders messages by date, ties broken by id.
func messageLess(a, b Message) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.ID < b.ID
}

// SortMessages orders msgs ascending by date, ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}

// sortByPartner orders inbox entries by partner id so repeated reads of
// unchanged data return identical slices.
func sortByPartner(s []ConversationSummary) {
	sort.Slice(s, func(i, j int) bool { return s[i].PartnerID < s[j].PartnerID })
}

// SortSummariesByRecency orders inbox entries newest conversation first.
func SortSummariesByRecency(s []ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool { return messageLess(s[j].LastMessage, s[i].LastMessage) })
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalidInput("chat.Send", "empty content")
	}
	if !utf8.ValidString(content) {
		return "", invalidInput("chat.Send", "content is not valid utf-8")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return "", invalidInput("chat.Send", "content too long")
	}
	return content, nil
}

func normalizeClientMsgID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) > MaxClientMsgIDLen {
		return "", invalidInput("chat.Send", "client_msg_id too long")
	}
	return id, nil
}

package realtime

import (
	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

func toWireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Date:        m.Date,
	}
}

func toWireMessages(msgs []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	return out
}

func toWireInbox(items []chat.ConversationSummary) []v1.ConversationSummary {
	chat.SortSummariesByRecency(items)
	out := make([]v1.ConversationSummary, 0, len(items))
	for _, it := range items {
		out = append(out, v1.ConversationSummary{PartnerID: it.PartnerID, LastMessage: toWireMessage(it.LastMessage)})
	}
	return out
}

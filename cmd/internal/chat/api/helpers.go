package chatapi

import "parley/cmd/internal/chat"

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Date:        m.Date,
	}
}

func toMessageResponses(msgs []chat.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func toInboxResponse(items []chat.ConversationSummary) inboxResponse {
	chat.SortSummariesByRecency(items)
	out := make([]inboxEntry, 0, len(items))
	for _, it := range items {
		out = append(out, inboxEntry{PartnerID: it.PartnerID, LastMessage: toMessageResponse(it.LastMessage)})
	}
	return inboxResponse{Conversations: out}
}

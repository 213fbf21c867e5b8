package chatapi

import "time"

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type messageResponse struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	Date        time.Time `json:"date"`
}

type sendResponse struct {
	Messages   []messageResponse `json:"messages"`
	Duplicated bool              `json:"duplicated"`
}

type conversationResponse struct {
	Messages []messageResponse `json:"messages"`
}

type inboxEntry struct {
	PartnerID   string          `json:"partner_id"`
	LastMessage messageResponse `json:"last_message"`
}

type inboxResponse struct {
	Conversations []inboxEntry `json:"conversations"`
}

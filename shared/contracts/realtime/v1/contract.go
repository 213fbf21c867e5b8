// Package v1 defines the parley realtime protocol v1 contract.
//
// It is shared between the server gateway and clients (see tools/scripts)
// to keep the wire protocol authoritative. Keep it dependency-free.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "parley.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend sends a direct message (client -> server).
	TypeMessageSend = "message_send"
	// TypeConversationFetch requests a conversation after a watermark (client -> server).
	TypeConversationFetch = "conversation_fetch"
	// TypeConversationChunk answers a send or fetch (server -> client).
	TypeConversationChunk = "conversation_chunk"
	// TypeConversationList requests the inbox (client -> server).
	TypeConversationList = "conversation_list"
	// TypeConversationListResult answers a list (server -> client).
	TypeConversationListResult = "conversation_list_result"

	// TypeMessageNew pushes a newly stored message to both participants (server -> client).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeConversationFetch,
		TypeConversationChunk,
		TypeConversationList,
		TypeConversationListResult,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload identifies the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Message is the wire shape of a stored message.
type Message struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	Date        time.Time `json:"date"`
}

// MessageSendPayload sends content to recipient_id.
type MessageSendPayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// ConversationFetchPayload requests messages with partner_id after since_id.
type ConversationFetchPayload struct {
	PartnerID string `json:"partner_id"`
	SinceID   int64  `json:"since_id"`
}

// ConversationChunkPayload carries a conversation (oldest first).
// Duplicated is set when a send was answered from an earlier identical request.
type ConversationChunkPayload struct {
	PartnerID  string    `json:"partner_id"`
	Messages   []Message `json:"messages"`
	Duplicated bool      `json:"duplicated,omitempty"`
}

// ConversationListPayload requests the caller's inbox.
type ConversationListPayload struct{}

// ConversationSummary is one inbox entry.
type ConversationSummary struct {
	PartnerID   string  `json:"partner_id"`
	LastMessage Message `json:"last_message"`
}

// ConversationListResultPayload returns the inbox, most recent first.
type ConversationListResultPayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// MessageNewPayload is pushed to every live session of both participants.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
// RefID echoes the id of the request envelope that failed, when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

// Hub tracks live sessions per user and pushes envelopes to them.
// It implements chat.Notifier so every stored message reaches both
// participants' open sessions.
//
// Concurrency guarantees:
//   - Register/Unregister are safe under concurrent Deliver.
//   - Deliver never blocks (drops under backpressure).
//   - Deliver is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	users map[string]map[string]*Client // user id -> session id -> client
}

// NewHub constructs a Hub instance. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		users:   make(map[string]map[string]*Client),
	}
}

// Register adds a client to its user's session set.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.SessionID == "" || c.UserID == "" {
		return
	}

	h.mu.Lock()
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[string]*Client)
		h.users[c.UserID] = set
	}
	set[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("ws.session.join", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes a client and signals its shutdown.
func (h *Hub) Unregister(c *Client) {
	if h == nil || c == nil {
		return
	}

	h.mu.Lock()
	if set := h.users[c.UserID]; set != nil {
		delete(set, c.SessionID)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()

	// Close after removal so no deliverer still holds the client.
	c.Close()

	h.log.Info("ws.session.leave", "user_id", c.UserID, "session_id", c.SessionID)
}

// Sessions returns the number of live sessions of userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Deliver fans env out to every live session of userID and returns how many
// queues accepted it. Full or closing queues are skipped.
func (h *Hub) Deliver(userID string, env v1.Envelope) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.users[userID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			n++
		default:
			h.metrics.drop()
			h.log.Warn("ws.push.drop", "user_id", userID, "session_id", c.SessionID, "type", env.Type)
		}
	}
	return n
}

// MessageCreated pushes message_new to sender and recipient sessions.
func (h *Hub) MessageCreated(_ context.Context, m chat.Message) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(v1.MessageNewPayload{Message: toWireMessage(m)})
	if err != nil {
		h.log.Error("ws.push.encode.fail", "err", err)
		return
	}
	env := newEnvelope(v1.TypeMessageNew, payload, time.Now().UTC())

	h.Deliver(m.SenderID, env)
	if m.RecipientID != m.SenderID {
		h.Deliver(m.RecipientID, env)
	}
}

package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
)

// Service is the subset of *chat.Service the HTTP layer drives.
type Service interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	FetchConversation(ctx context.Context, requesterID, partnerID string, sinceID int64) ([]chat.Message, error)
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error)
}

// Handler wires the messaging HTTP endpoints to the conversation service.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc Service
}

// NewHandler constructs a messaging Handler.
func NewHandler(log *slog.Logger, svc Service, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	return &Handler{log: log, cfg: cfg.withDefaults(), svc: svc}, nil
}

// Register wires messaging routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /messages/conversation", h.handleSend)
	mux.HandleFunc("GET /messages/conversation", h.handleFetch)
	mux.HandleFunc("GET /messages/inbox", h.handleInbox)
}

// ---- handlers ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.Send(r.Context(), chat.SendInput{
		SenderID:    caller,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.writeServiceError(w, r, "send", err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Messages:   toMessageResponses(res.Conversation),
		Duplicated: res.Duplicated,
	})
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	partner := strings.TrimSpace(q.Get("partner_id"))
	if partner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "partner_id is required")
		return
	}
	sinceID, ok := parseSinceID(q.Get("since_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since_id must be a non-negative integer")
		return
	}

	msgs, err := h.svc.FetchConversation(r.Context(), caller, partner, sinceID)
	if err != nil {
		h.writeServiceError(w, r, "fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Messages: toMessageResponses(msgs)})
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	items, err := h.svc.ListConversations(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, toInboxResponse(items))
}

// ---- helpers ----

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := identity.FromHeader(r, h.cfg.IdentityHeader)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "authentication required")
		return "", false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "user not found")
	case chat.IsInvalidOperation(err):
		writeError(w, http.StatusBadRequest, "invalid_operation", "cannot message yourself")
	case chat.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
	case errors.Is(err, chat.ErrRateLimited):
		wait, _ := chat.RetryAfter(err)
		writeRateLimited(w, wait)
	default:
		if r.Context().Err() != nil {
			h.log.Warn("chat.api.canceled", "op", op, "err", err)
		} else {
			h.log.Error("chat.api.fail", "op", op, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// invalidInputMessage surfaces the validation detail without the op prefix.
func invalidInputMessage(err error) string {
	var opErr chat.OpError
	if errors.As(err, &opErr) && opErr.Msg != "" {
		return opErr.Msg
	}
	return "invalid request"
}

func parseSinceID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

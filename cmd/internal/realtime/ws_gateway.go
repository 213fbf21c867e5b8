package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Service is the subset of *chat.Service the gateway drives.
type Service interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	FetchConversation(ctx context.Context, requesterID, partnerID string, sinceID int64) ([]chat.Message, error)
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error)
}

// WSGateway is the WebSocket entrypoint for parley realtime.
//
// It enforces origin policy, caller identity, subprotocol selection, rate
// limits and heartbeats, and routes validated envelopes to the conversation
// service. Live pushes arrive through the Hub.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	svc     Service
	cfg     Config
	metrics *Metrics

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. metrics may be nil.
func NewWSGateway(log *slog.Logger, hub *Hub, svc Service, cfg Config, metrics *Metrics) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil || svc == nil {
		return nil, errors.New("realtime: nil hub or service")
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:     log,
		hub:     hub,
		svc:     svc,
		cfg:     cfg,
		metrics: metrics,
		// websocket.Accept enforces its own origin policy; derive its patterns
		// from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, ok := identity.FromHeader(r, g.cfg.IdentityHeader)
	if !ok {
		g.log.Info("ws.reject.identity", "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		g:       g,
		conn:    conn,
		client:  NewClient(userID, sessionID, g.cfg.SendQueueSize),
		limiter: NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
		cancel:  cancel,
	}

	g.hub.Register(s.client)
	g.metrics.connOpened()
	defer g.metrics.connClosed()
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", userID)

	var writer, heartbeat sync.WaitGroup
	writer.Go(func() { s.writeLoop(ctx) })
	heartbeat.Go(func() { s.heartbeatLoop(ctx) })

	s.readLoop(ctx)
	s.close(websocket.StatusNormalClosure, "bye")
	writer.Wait()

	// Ping may be blocked on a dead peer; do not hold the handler for it.
	hbDone := make(chan struct{})
	go func() { heartbeat.Wait(); close(hbDone) }()
	select {
	case <-hbDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", userID)
}

// session is one accepted connection. Its goroutines share ctx; close is
// idempotent and cancels it.
type session struct {
	g       *WSGateway
	conn    *websocket.Conn
	client  *Client
	limiter *RateLimiter

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// close does NOT close client.Send; the hub drops the client before Close so
// pushes never race a closed queue.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.g.hub.Unregister(s.client)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.g.log.Info("ws.write.fail",
					"session_id", s.client.SessionID,
					"close_status", websocket.CloseStatus(err),
					"err", err)
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		s.g.log.Info("ws.ping.fail", "session_id", s.client.SessionID, "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			s.close(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

// readLoop returns once the connection is finished; it closes the session
// itself for every abnormal exit.
func (s *session) readLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		cancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.g.trySendError(ctx, s.client, "", "bad_json", "invalid JSON")
				continue
			case readErrClose:
				s.close(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				s.close(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				s.close(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.g.log.Info("ws.read.fail", "session_id", s.client.SessionID, "err", err)
				s.close(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		now := time.Now().UTC()
		if !s.limiter.Allow(now) {
			s.g.trySendError(ctx, s.client, env.ID, "rate_limited",
				fmt.Sprintf("too many events, retry in %s", s.limiter.RetryAfter(now).Round(time.Millisecond)))
			s.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		s.dispatch(ctx, env)
	}
}

func (s *session) dispatch(ctx context.Context, env v1.Envelope) {
	g, client := s.g, s.client

	if err := env.Validate(); err != nil {
		g.trySendError(ctx, client, env.ID, "bad_envelope", err.Error())
		return
	}
	g.metrics.event(env.Type)

	var err error
	switch env.Type {
	case v1.TypeHello:
		err = g.onHello(ctx, client, env)
	case v1.TypeMessageSend:
		err = g.onMessageSend(ctx, client, env)
	case v1.TypeConversationFetch:
		err = g.onConversationFetch(ctx, client, env)
	case v1.TypeConversationList:
		err = g.onConversationList(ctx, client, env)
	default:
		g.trySendError(ctx, client, env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}
	if err != nil {
		code, msg := g.errorCode(err, client.SessionID, env.Type)
		g.trySendError(ctx, client, env.ID, code, msg)
	}
}

// ---- handlers ----

// errBackpressure means the client's own queue was full.
var errBackpressure = errors.New("backpressure")

// payloadError marks a malformed client payload.
type payloadError struct{ msg string }

func (e payloadError) Error() string { return e.msg }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return payloadError{msg: "invalid payload: " + err.Error()}
	}
	return nil
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	return g.reply(ctx, client, v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	})
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	res, err := g.svc.Send(ctx, chat.SendInput{
		SenderID:    client.UserID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	return g.reply(ctx, client, v1.TypeConversationChunk, v1.ConversationChunkPayload{
		PartnerID:  res.Message.RecipientID,
		Messages:   toWireMessages(res.Conversation),
		Duplicated: res.Duplicated,
	})
}

func (g *WSGateway) onConversationFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	partner := strings.TrimSpace(p.PartnerID)
	if partner == "" {
		return payloadError{msg: "missing partner_id"}
	}
	if p.SinceID < 0 {
		return payloadError{msg: "since_id must be non-negative"}
	}

	msgs, err := g.svc.FetchConversation(ctx, client.UserID, partner, p.SinceID)
	if err != nil {
		return err
	}
	return g.reply(ctx, client, v1.TypeConversationChunk, v1.ConversationChunkPayload{
		PartnerID: partner,
		Messages:  toWireMessages(msgs),
	})
}

func (g *WSGateway) onConversationList(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationListPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	items, err := g.svc.ListConversations(ctx, client.UserID)
	if err != nil {
		return err
	}
	return g.reply(ctx, client, v1.TypeConversationListResult, v1.ConversationListResultPayload{
		Conversations: toWireInbox(items),
	})
}

// errorCode maps a handler error onto the wire error code and message.
func (g *WSGateway) errorCode(err error, sessionID, typ string) (string, string) {
	var pe payloadError
	switch {
	case errors.As(err, &pe):
		return "bad_payload", pe.msg
	case chat.IsNotFound(err):
		return "not_found", "user not found"
	case chat.IsInvalidOperation(err):
		return "invalid_operation", "cannot message yourself"
	case chat.IsInvalidInput(err):
		var opErr chat.OpError
		if errors.As(err, &opErr) && opErr.Msg != "" {
			return "invalid_request", opErr.Msg
		}
		return "invalid_request", "invalid request"
	case errors.Is(err, chat.ErrRateLimited):
		return "rate_limited", "sending too fast"
	case errors.Is(err, errBackpressure):
		return "backpressure", "client queue full"
	default:
		g.log.Error("ws.op.fail", "session_id", sessionID, "type", typ, "err", err)
		return "server_error", "internal error"
	}
}

// ---- send helpers ----

func (g *WSGateway) reply(ctx context.Context, client *Client, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, newEnvelope(typ, b, time.Now().UTC())) {
		return fmt.Errorf("%w: %s", errBackpressure, typ)
	}
	return nil
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, refID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Wildcard allowlist.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

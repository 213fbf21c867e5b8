//go:build ignore

// Command ws-smoke is a CI-friendly WebSocket smoke test for Parley realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment under the trusted identity header
//   - message_send -> conversation_chunk
//   - message_new pushed to the recipient
//   - conversation_fetch with a since_id watermark
//   - idempotent dedupe by client_msg_id
//   - conversation_list
//
// Usage: go run tools/scripts/ws-smoke.go -url ws://127.0.0.1:8080/ws -a alice -b bob
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/shared/contracts/realtime/v1"
)

const (
	defaultIdentityHeader = "X-Parley-User-ID"
	maxReadBytes          = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		header  = flag.String("header", defaultIdentityHeader, "Trusted identity header name")
		userA   = flag.String("a", "alice", "Sender user id (must exist, see PARLEY_DEV_USERS)")
		userB   = flag.String("b", "bob", "Recipient user id")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *header, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *header, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	sent := mustSend(root, a, b.userID, clientMsgID, *text, false, *timeout)
	mustAssertNew(root, b, sent, *timeout)

	mustFetchContains(root, b, a.userID, 0, sent, *timeout)
	mustFetchEmpty(root, b, a.userID, sent.ID, *timeout)

	// Resend with the same client id: no new row, no push to B.
	dup := mustSend(root, a, b.userID, clientMsgID, *text, true, *timeout)
	if dup.ID != sent.ID {
		fatalf("dedupe returned a different message: first=%d second=%d", sent.ID, dup.ID)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 400*time.Millisecond)

	mustListContains(root, b, a.userID, sent.ID, *timeout)

	fmt.Printf("OK: ws smoke passed (message_id=%d)\n", sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, header string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set(header, userID)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func envelope(c *smokeClient, typ, suffix string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s", c.name, suffix),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustSend(parent context.Context, c *smokeClient, recipient, clientMsgID, text string, wantDuplicated bool, stepTimeout time.Duration) v1.Message {
	env := envelope(c, v1.TypeMessageSend, "send", v1.MessageSendPayload{
		RecipientID: recipient,
		Content:     text,
		ClientMsgID: clientMsgID,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The sender's own message_new push may arrive before the reply.
	got := c.mustReadUntilType(parent, v1.TypeConversationChunk, stepTimeout, map[string]struct{}{v1.TypeMessageNew: {}})

	var p v1.ConversationChunkPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal conversation_chunk: %v", err)
	}
	if p.PartnerID != recipient {
		fatalf("chunk partner mismatch: got=%q want=%q", p.PartnerID, recipient)
	}
	if p.Duplicated != wantDuplicated {
		fatalf("chunk duplicated=%v want=%v", p.Duplicated, wantDuplicated)
	}
	if len(p.Messages) == 0 {
		fatalf("chunk after send is empty")
	}
	last := p.Messages[len(p.Messages)-1]
	if last.SenderID != c.userID || last.RecipientID != recipient || last.Content != text {
		fatalf("chunk last message mismatch: %+v", last)
	}
	return last
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	got := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal message_new: %v", err)
	}
	if p.Message.ID != want.ID || p.Message.Content != want.Content {
		fatalf("message_new mismatch: got=%+v want=%+v", p.Message, want)
	}
}

func fetch(parent context.Context, c *smokeClient, partner string, sinceID int64, stepTimeout time.Duration) v1.ConversationChunkPayload {
	env := envelope(c, v1.TypeConversationFetch, fmt.Sprintf("fetch-%d", sinceID), v1.ConversationFetchPayload{
		PartnerID: partner,
		SinceID:   sinceID,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeConversationChunk, stepTimeout, nil)
	var p v1.ConversationChunkPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal conversation_chunk: %v", err)
	}
	return p
}

func mustFetchContains(parent context.Context, c *smokeClient, partner string, sinceID int64, want v1.Message, stepTimeout time.Duration) {
	p := fetch(parent, c, partner, sinceID, stepTimeout)
	for _, m := range p.Messages {
		if m.ID == want.ID {
			return
		}
	}
	fatalf("fetch since=%d does not contain message %d", sinceID, want.ID)
}

func mustFetchEmpty(parent context.Context, c *smokeClient, partner string, sinceID int64, stepTimeout time.Duration) {
	p := fetch(parent, c, partner, sinceID, stepTimeout)
	if len(p.Messages) != 0 {
		fatalf("fetch since=%d expected empty, got %d messages", sinceID, len(p.Messages))
	}
}

func mustListContains(parent context.Context, c *smokeClient, partner string, lastID int64, stepTimeout time.Duration) {
	env := envelope(c, v1.TypeConversationList, "list", v1.ConversationListPayload{})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeConversationListResult, stepTimeout, nil)
	var p v1.ConversationListResultPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal conversation_list_result: %v", err)
	}
	for _, cs := range p.Conversations {
		if cs.PartnerID == partner {
			if cs.LastMessage.ID != lastID {
				fatalf("inbox last message for %s: got=%d want=%d", partner, cs.LastMessage.ID, lastID)
			}
			return
		}
	}
	fatalf("inbox of %s has no conversation with %s", c.userID, partner)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %q (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	log := quietLog()
	dir := identity.NewInMemoryDirectory()
	if _, err := identity.Seed(context.Background(), dir, []string{"alice", "bob"}, time.Time{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hub := NewHub(log, nil)
	svc, err := chat.NewService(chat.NewInMemoryStore(), dir, chat.WithLogger(log), chat.WithNotifier(hub))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	cfg := DefaultConfig()
	cfg.OriginRequired = false
	gw, err := NewWSGateway(log, hub, svc, cfg, nil)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(userID) != "" {
		h.Set(identity.DefaultHeader, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func decodeAs[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func TestWSGateway_MissingIdentityRejected(t *testing.T) {
	t.Parallel()
	ts := newTestGateway(t)

	_, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_HelloAck(t *testing.T) {
	t.Parallel()
	ts := newTestGateway(t)
	conn := mustDialWS(t, ts.URL, "alice")

	writeEnvelopeWS(t, conn, v1.TypeHello, "hello-1", v1.HelloPayload{})
	ack := decodeAs[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 4))
	if ack.UserID != "alice" || len(ack.SessionID) != 26 {
		t.Fatalf("unexpected hello ack %+v", ack)
	}
}

func TestWSGateway_SendPushesToBothAndFetchSeesIt(t *testing.T) {
	t.Parallel()
	ts := newTestGateway(t)
	alice := mustDialWS(t, ts.URL, "alice")
	bob := mustDialWS(t, ts.URL, "bob")

	// Round-trip a hello on each socket so both sessions are registered.
	writeEnvelopeWS(t, alice, v1.TypeHello, "h-a", v1.HelloPayload{})
	readUntilType(t, alice, v1.TypeHelloAck, 4)
	writeEnvelopeWS(t, bob, v1.TypeHello, "h-b", v1.HelloPayload{})
	readUntilType(t, bob, v1.TypeHelloAck, 4)

	writeEnvelopeWS(t, alice, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{RecipientID: "bob", Content: "hello bob"})

	chunk := decodeAs[v1.ConversationChunkPayload](t, readUntilType(t, alice, v1.TypeConversationChunk, 4))
	if chunk.PartnerID != "bob" || len(chunk.Messages) != 1 || chunk.Messages[0].Content != "hello bob" {
		t.Fatalf("unexpected chunk %+v", chunk)
	}

	pushed := decodeAs[v1.MessageNewPayload](t, readUntilType(t, bob, v1.TypeMessageNew, 4))
	if pushed.Message.SenderID != "alice" || pushed.Message.ID != chunk.Messages[0].ID {
		t.Fatalf("unexpected push %+v", pushed)
	}

	writeEnvelopeWS(t, bob, v1.TypeConversationFetch, "fetch-1", v1.ConversationFetchPayload{PartnerID: "alice"})
	fetched := decodeAs[v1.ConversationChunkPayload](t, readUntilType(t, bob, v1.TypeConversationChunk, 4))
	if len(fetched.Messages) != 1 || fetched.Messages[0].ID != pushed.Message.ID {
		t.Fatalf("unexpected fetch %+v", fetched)
	}

	writeEnvelopeWS(t, bob, v1.TypeConversationFetch, "fetch-2", v1.ConversationFetchPayload{PartnerID: "alice", SinceID: pushed.Message.ID})
	empty := decodeAs[v1.ConversationChunkPayload](t, readUntilType(t, bob, v1.TypeConversationChunk, 4))
	if len(empty.Messages) != 0 {
		t.Fatalf("expected nothing after watermark, got %+v", empty)
	}

	writeEnvelopeWS(t, bob, v1.TypeConversationList, "list-1", v1.ConversationListPayload{})
	list := decodeAs[v1.ConversationListResultPayload](t, readUntilType(t, bob, v1.TypeConversationListResult, 4))
	if len(list.Conversations) != 1 || list.Conversations[0].PartnerID != "alice" {
		t.Fatalf("unexpected inbox %+v", list)
	}
}

func TestWSGateway_ErrorsCarryRefID(t *testing.T) {
	t.Parallel()
	ts := newTestGateway(t)
	conn := mustDialWS(t, ts.URL, "alice")

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, "self-1", v1.MessageSendPayload{RecipientID: "alice", Content: "me"})
	e := decodeAs[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 4))
	if e.Code != "invalid_operation" || e.RefID != "self-1" {
		t.Fatalf("unexpected error %+v", e)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationFetch, "ghost-1", v1.ConversationFetchPayload{PartnerID: "ghost"})
	e = decodeAs[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 4))
	if e.Code != "not_found" || e.RefID != "ghost-1" {
		t.Fatalf("unexpected error %+v", e)
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageNew, "push-1", v1.MessageNewPayload{})
	e = decodeAs[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 4))
	if e.Code != "unsupported" {
		t.Fatalf("unexpected error %+v", e)
	}
}

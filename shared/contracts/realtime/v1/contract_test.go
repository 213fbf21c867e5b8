package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeMessageSend, ID: "1", TS: time.Now()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	bad := []Envelope{
		{Type: TypeHello},
		{V: "v2", Type: TypeHello},
		{V: Version},
		{V: Version, Type: "conversation.join"},
	}
	for _, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("expected error for %+v", e)
		}
	}
}

func TestMessageWireNames(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(MessageNewPayload{Message: Message{ID: 7, SenderID: "a", RecipientID: "b", Content: "hi"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"id", "sender_id", "recipient_id", "content", "date"} {
		if _, ok := raw["message"][k]; !ok {
			t.Fatalf("missing wire field %q in %s", k, b)
		}
	}
}

package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelopePublicMessage(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"message","content":"hi all"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeMessage {
		t.Errorf("expected type %q, got %q", TypeMessage, env.Type)
	}
	if env.Content != "hi all" {
		t.Errorf("expected content %q, got %q", "hi all", env.Content)
	}
	if env.Private() {
		t.Error("envelope without recipient_id should be public")
	}
}

func TestParseEnvelopePrivateMessage(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"message","content":"hi","recipient_id":7}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.Private() {
		t.Error("envelope with recipient_id should be private")
	}
	if env.RecipientID != 7 {
		t.Errorf("expected recipient 7, got %d", env.RecipientID)
	}
}

func TestParseEnvelopeControlTypes(t *testing.T) {
	for _, typ := range []string{TypeTyping, TypeStopTyping, TypePing} {
		env, err := ParseEnvelope([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Errorf("type %q: unexpected error: %v", typ, err)
			continue
		}
		if env.Type != typ {
			t.Errorf("expected type %q, got %q", typ, env.Type)
		}
	}
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"content":"hi"}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestParseEnvelopeRejectsServerOnlyType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":"new_message"}`)); err == nil {
		t.Error("expected error for server-only type")
	}
}

func TestParseEnvelopeRejectsInvalidJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestNewPushWrapsPayloadUnderData(t *testing.T) {
	data, err := NewPush(TypePresence, PresenceData{UserID: 3, Online: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	push, err := ParsePush(data)
	if err != nil {
		t.Fatalf("parse push: %v", err)
	}
	if push.Type != TypePresence {
		t.Errorf("expected type %q, got %q", TypePresence, push.Type)
	}

	var pd PresenceData
	if err := json.Unmarshal(push.Data, &pd); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if pd.UserID != 3 || !pd.Online {
		t.Errorf("unexpected payload: %+v", pd)
	}
}

func TestNewPushNilPayload(t *testing.T) {
	data, err := NewPush(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("expected bare pong frame, got %s", data)
	}
}

func TestParsePushRejectsMissingType(t *testing.T) {
	if _, err := ParsePush([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestPartitionDMCanonicalOrder(t *testing.T) {
	if PartitionDM(9, 2) != PartitionDM(2, 9) {
		t.Error("partition key must be identical for both participant orders")
	}
	if got := PartitionDM(9, 2); got != "dm:2:9" {
		t.Errorf("expected dm:2:9, got %q", got)
	}
}

func TestMessagePartition(t *testing.T) {
	pub := Message{Scope: ScopePublic, SenderID: 1}
	if pub.Partition() != PartitionPublic {
		t.Errorf("expected public partition, got %q", pub.Partition())
	}
	dm := Message{Scope: ScopePrivate, SenderID: 5, RecipientID: 3}
	if dm.Partition() != "dm:3:5" {
		t.Errorf("expected dm:3:5, got %q", dm.Partition())
	}
}

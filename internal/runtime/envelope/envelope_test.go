package envelope

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/flowbus/flowbus/internal/runtime/metadata"
)

func TestNewGeneratesIdentifiers(t *testing.T) {
	m := New("user.created", map[string]any{"user_id": "u-1"}, nil)

	if m.ID == "" || m.CorrelationID == "" {
		t.Fatalf("expected generated ids, got %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestTransportRoundTrip(t *testing.T) {
	original := New("order.created", map[string]any{"amount": float64(42)}, metadatapkg.Metadata{"origin": "unit"})

	msg, err := original.ToTransport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.UUID != original.ID {
		t.Fatalf("expected message uuid to be the event id, got %s", msg.UUID)
	}
	if msg.Metadata[KeyEventType] != "order.created" {
		t.Fatalf("expected event type header, got %v", msg.Metadata)
	}
	if msg.Metadata[KeyCorrelationID] != original.CorrelationID {
		t.Fatal("expected correlation id header")
	}

	decoded, err := FromTransport(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.ID != original.ID || decoded.EventType != original.EventType {
		t.Fatalf("expected identity preserved, got %+v", decoded)
	}
	if decoded.Data["amount"] != float64(42) {
		t.Fatalf("expected payload preserved, got %v", decoded.Data)
	}
	if decoded.Metadata.Get("origin") != "unit" {
		t.Fatalf("expected metadata preserved, got %v", decoded.Metadata)
	}
}

func TestToTransportRejectsIncompleteEnvelope(t *testing.T) {
	if _, err := (Message{EventType: "x"}).ToTransport(); err == nil {
		t.Fatal("expected error without id")
	}
	if _, err := (Message{ID: "1"}).ToTransport(); err == nil {
		t.Fatal("expected error without event type")
	}
}

func TestFromTransportForeignMessageWithHeaders(t *testing.T) {
	msg := message.NewMessage("m-1", []byte("not json"))
	msg.Metadata = message.Metadata{KeyEventType: "legacy.event"}

	decoded, err := FromTransport(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.EventType != "legacy.event" || decoded.ID != "m-1" {
		t.Fatalf("expected header-derived envelope, got %+v", decoded)
	}
	if decoded.Data["raw"] != "not json" {
		t.Fatalf("expected raw payload exposed, got %v", decoded.Data)
	}
}

func TestFromTransportRejectsUndecodable(t *testing.T) {
	msg := message.NewMessage("m-1", []byte("not json"))
	if _, err := FromTransport(msg); err == nil {
		t.Fatal("expected error without body or headers")
	}
	if _, err := FromTransport(nil); err == nil {
		t.Fatal("expected error for nil message")
	}
}

func TestWithFailureContext(t *testing.T) {
	original := New("order.created", map[string]any{"id": "o-1"}, metadatapkg.Metadata{"origin": "unit"})

	dl := original.WithFailureContext("handler exploded", "billing", "billing.queue", 3)

	if !dl.IsDeadLetter() {
		t.Fatal("expected dead-letter marker")
	}
	if dl.Metadata.Get(KeyFailureReason) != "handler exploded" {
		t.Fatalf("expected failure reason, got %v", dl.Metadata)
	}
	if dl.Metadata.Get(KeySubscription) != "billing" || dl.Metadata.Get(KeyOriginalQueue) != "billing.queue" {
		t.Fatalf("expected subscription context, got %v", dl.Metadata)
	}
	if dl.Metadata.Get(KeyAttempts) != "3" {
		t.Fatalf("expected attempts, got %v", dl.Metadata)
	}
	if dl.Data["id"] != "o-1" {
		t.Fatal("expected original payload carried")
	}

	// The original envelope is untouched.
	if original.IsDeadLetter() {
		t.Fatal("expected original metadata unchanged")
	}
}

// Package envelope defines the immutable transport envelope that crosses the
// broker boundary, and its mapping to and from the wire message used by the
// transport layer.
package envelope

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	idspkg "github.com/flowbus/flowbus/internal/runtime/ids"
	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/flowbus/flowbus/internal/runtime/metadata"
)

// Metadata keys carried on the wire alongside the JSON body. Header values
// duplicate envelope fields so log-based backends that only see headers can
// still route and deduplicate.
const (
	KeyEventType     = "fb_event_type"
	KeyMessageID     = "fb_message_id"
	KeyCorrelationID = "fb_correlation_id"
	KeyVersion       = "fb_event_version"

	// Failure context, stamped onto dead-lettered copies.
	KeyFailureReason = "fb_failure_reason"
	KeySubscription  = "fb_subscription"
	KeyAttempts      = "fb_attempts"
	KeyFailedAt      = "fb_failed_at"
	KeyOriginalQueue = "fb_original_queue"
	KeyDeadLetter    = "fb_dead_letter"
)

// Message is the immutable transport envelope: what a producer hands the
// broker and what a consumer receives. The wire format is a JSON body plus
// string headers, regardless of backend.
type Message struct {
	ID            string               `json:"id"`
	EventType     string               `json:"event_type"`
	Data          map[string]any       `json:"data"`
	Metadata      metadatapkg.Metadata `json:"metadata,omitempty"`
	CorrelationID string               `json:"correlation_id"`
	Timestamp     time.Time            `json:"timestamp"`
}

// New builds a Message for the given event type and payload. The id and
// correlation id are generated when empty so an envelope is always routable
// and deduplicatable.
func New(eventType string, data map[string]any, md metadatapkg.Metadata) Message {
	return Message{
		ID:            idspkg.NewID(),
		EventType:     eventType,
		Data:          data,
		Metadata:      md.Clone(),
		CorrelationID: idspkg.NewID(),
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the fields every backend requires.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("flowbus: message id is required")
	}
	if m.EventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	return nil
}

// Clone returns a deep-enough copy: the data map is shared (treated as
// immutable once published), metadata is copied so routing transforms cannot
// leak into other deliveries.
func (m Message) Clone() Message {
	cloned := m
	cloned.Metadata = m.Metadata.Clone()
	return cloned
}

// ToTransport serialises the envelope into a Watermill message. The message
// UUID is the event id, which keeps redelivery and republish stable for
// transport-level dedup even though the processor store remains the source
// of idempotency truth.
func (m Message) ToTransport() (*message.Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	payload, err := jsoncodec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("flowbus: failed to marshal envelope: %w", err)
	}

	msg := message.NewMessage(m.ID, payload)
	msg.Metadata = metadatapkg.ToWatermill(m.Metadata)
	msg.Metadata[KeyEventType] = m.EventType
	msg.Metadata[KeyMessageID] = m.ID
	if m.CorrelationID != "" {
		msg.Metadata[KeyCorrelationID] = m.CorrelationID
	}
	return msg, nil
}

// FromTransport parses a delivered Watermill message back into an envelope.
// A non-JSON body is tolerated when the headers carry the event type, so
// foreign producers on log-based backends can still be consumed: the raw
// payload is exposed under data["raw"].
func FromTransport(msg *message.Message) (Message, error) {
	if msg == nil {
		return Message{}, errspkg.ErrEventPayloadRequired
	}

	var m Message
	if err := jsoncodec.Unmarshal(msg.Payload, &m); err != nil || m.EventType == "" {
		md := metadatapkg.FromWatermill(msg.Metadata)
		eventType := md.Get(KeyEventType)
		if eventType == "" {
			return Message{}, fmt.Errorf("flowbus: undecodable message %s: no envelope body and no %s header", msg.UUID, KeyEventType)
		}
		m = Message{
			ID:            msg.UUID,
			EventType:     eventType,
			Data:          map[string]any{"raw": string(msg.Payload)},
			Metadata:      md,
			CorrelationID: md.Get(KeyCorrelationID),
			Timestamp:     time.Now().UTC(),
		}
		return m, nil
	}

	if m.ID == "" {
		m.ID = msg.UUID
	}
	if m.Metadata == nil {
		m.Metadata = metadatapkg.Metadata{}
	}
	// Headers win over a stale body copy for the routing-relevant fields.
	if hdr := msg.Metadata.Get(KeyCorrelationID); hdr != "" && m.CorrelationID == "" {
		m.CorrelationID = hdr
	}
	return m, nil
}

// WithFailureContext returns a dead-letter copy of the envelope carrying the
// original payload and metadata plus the failure details dead-letter
// consumers need for diagnosis and replay.
func (m Message) WithFailureContext(reason, subscription, originalQueue string, attempts int) Message {
	dl := m.Clone()
	dl.Metadata = dl.Metadata.WithAll(metadatapkg.Metadata{
		KeyDeadLetter:    "true",
		KeyFailureReason: reason,
		KeySubscription:  subscription,
		KeyAttempts:      fmt.Sprintf("%d", attempts),
		KeyFailedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		KeyOriginalQueue: originalQueue,
	})
	return dl
}

// IsDeadLetter reports whether the envelope is a dead-letter copy.
func (m Message) IsDeadLetter() bool {
	return m.Metadata.Get(KeyDeadLetter) == "true"
}

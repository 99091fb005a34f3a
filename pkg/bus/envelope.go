package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// Envelope is the on-the-wire frame around one ledger event. Sequence is
// assigned by the producer per stream; consumers use it to detect
// out-of-order delivery, which on a FIFO stream indicates a bus invariant
// violation.
type Envelope struct {
	Topic       string                 `json:"topic"`
	Partition   int                    `json:"partition"`
	Sequence    uint64                 `json:"sequence"`
	PublishedAt time.Time              `json:"published_at"`
	Event       *contracts.LedgerEvent `json:"event"`
}

// DLQRecord wraps an envelope that exhausted its retry ladder, carrying
// everything an operator needs to triage and replay it.
type DLQRecord struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int       `json:"partition"`
	Offset        string    `json:"offset"`
	RetryCount    int       `json:"retry_count"`
	ErrorType     string    `json:"error_type"`
	ErrorMessage  string    `json:"error_message"`
	ConsumerGroup string    `json:"consumer_group"`
	FailedAt      time.Time `json:"failed_at"`
	Envelope      *Envelope `json:"envelope"`
}

// eventWireSchema validates the ledger event wire format (schema_version 1)
// before a consumer's handler ever sees it. A payload that fails here is
// unprocessable and goes straight to the DLQ.
const eventWireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_uid", "schema_version", "kind", "timestamp", "principal_id"],
  "properties": {
    "event_id": {"type": "integer", "minimum": 0},
    "event_uid": {"type": "string", "minLength": 1},
    "schema_version": {"const": 1},
    "kind": {"enum": ["issued", "validated", "denied", "revoked", "policy_changed"]},
    "timestamp": {"type": "string"},
    "principal_id": {"type": "string", "minLength": 1},
    "mandate_id": {"type": "string"},
    "decision": {"enum": ["allowed", "denied"]},
    "denial_reason": {"type": "string"},
    "requested_action": {"type": "string"},
    "requested_resource": {"type": "string"},
    "correlation_id": {"type": "string"},
    "merkle_root_id": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var compiledEventSchema = jsonschema.MustCompileString("ledger-event.schema.json", eventWireSchema)

// EncodeEnvelope serializes an envelope for transport.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses and validates a transport payload. The embedded
// event is checked against the wire schema.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("decode envelope: missing event")
	}
	raw, err := json.Marshal(env.Event)
	if err != nil {
		return nil, fmt.Errorf("re-marshal event for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event for validation: %w", err)
	}
	if err := compiledEventSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("event wire schema: %w", err)
	}
	return &env, nil
}

// EncodeDLQRecord serializes a DLQ record for the DLQ stream.
func EncodeDLQRecord(rec *DLQRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode dlq record: %w", err)
	}
	return b, nil
}

// DecodeDLQRecord parses a DLQ stream payload.
func DecodeDLQRecord(payload []byte) (*DLQRecord, error) {
	var rec DLQRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode dlq record: %w", err)
	}
	return &rec, nil
}

// TopicFor maps an event kind to its authority topic.
func TopicFor(kind contracts.EventKind) string {
	switch kind {
	case contracts.EventIssued:
		return TopicIssued
	case contracts.EventValidated, contracts.EventDenied:
		return TopicValidated
	case contracts.EventRevoked:
		return TopicRevoked
	case contracts.EventPolicyChanged:
		return TopicPolicyChanged
	default:
		return ""
	}
}

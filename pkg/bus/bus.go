// Package bus moves authority events between the engine and the ledger
// materializer. Delivery is at-least-once: the producer confirms broker
// acknowledgment before reporting success and re-queues on failure, and
// every consumer deduplicates by event uid before its handler runs.
//
// Topics are sharded into numbered streams ("<topic>.p<i>"); an event's
// stream is chosen by hashing its principal id, so all events for one
// principal flow through one FIFO stream and arrive in order.
package bus

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"
)

// Authority topics. DLQTopic receives envelopes whose handler exhausted
// the retry ladder.
const (
	TopicIssued        = "authority.issued"
	TopicValidated     = "authority.validated-or-denied"
	TopicRevoked       = "authority.revoked"
	TopicPolicyChanged = "authority.policy-changed"
	DLQTopic           = "authority.dlq"
)

// Topics lists the four authority topics in materialization order.
var Topics = []string{TopicIssued, TopicValidated, TopicRevoked, TopicPolicyChanged}

// DefaultPartitions maps each topic to its stream count. The validation
// topic carries the bulk of the traffic and gets the widest fan-out.
var DefaultPartitions = map[string]int{
	TopicIssued:        3,
	TopicValidated:     5,
	TopicRevoked:       3,
	TopicPolicyChanged: 3,
	DLQTopic:           3,
}

// Partition picks the stream index for a principal: FNV-1a mod n.
func Partition(principalID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(principalID))
	return int(h.Sum32() % uint32(n))
}

// StreamName renders the physical stream for a topic partition.
func StreamName(topic string, partition int) string {
	return topic + ".p" + strconv.Itoa(partition)
}

// Delivery is one message read from a stream on behalf of a consumer
// group. Offset is the transport's message id, used for acks and DLQ
// records.
type Delivery struct {
	Stream  string
	Offset  string
	Payload []byte
}

// Transport is the broker abstraction: append-only sharded streams with
// consumer groups. Two implementations exist, Redis Streams and an
// in-process memory transport for tests and lite mode.
type Transport interface {
	// Append writes payload to the stream and returns its offset once the
	// broker has acknowledged the write.
	Append(ctx context.Context, stream string, payload []byte) (string, error)
	// EnsureGroup creates the consumer group at the start of the stream if
	// it does not exist. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error
	// Read blocks up to block for new messages for the group, claiming at
	// most count. Redelivery of unacked messages is the transport's
	// responsibility.
	Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error)
	// Ack marks a delivery as processed for the group.
	Ack(ctx context.Context, stream, group, offset string) error
	// Len reports the number of entries in the stream, used for DLQ depth
	// monitoring.
	Len(ctx context.Context, stream string) (int64, error)
	// SeekGroup repositions the group's read cursor, "0" for the start of
	// the stream or a transport offset. Used by replay.
	SeekGroup(ctx context.Context, stream, group, offset string) error
	Ping(ctx context.Context) error
	Close() error
}

// TimeIndexed is implemented by transports whose offsets embed wall-clock
// time, letting replay seek directly to an instant instead of scanning
// from the start of the stream.
type TimeIndexed interface {
	// OffsetForTime returns the earliest offset at or after t.
	OffsetForTime(t time.Time) string
}

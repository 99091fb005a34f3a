package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single hash field each stream entry carries.
const payloadField = "payload"

// claimMinIdle is how long a delivery may sit unacked with a dead consumer
// before another consumer in the group reclaims it.
const claimMinIdle = 30 * time.Second

// RedisTransport implements Transport over Redis Streams. Each topic
// partition is one stream; consumer groups give per-group cursors with
// pending-entry redelivery.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (t *RedisTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (t *RedisTransport) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	// Reclaim deliveries abandoned by dead consumers before asking for
	// new ones, so nothing is stranded in another consumer's PEL.
	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	out := toDeliveries(stream, claimed)
	if len(out) >= count {
		return out, nil
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return out, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	for _, sr := range res {
		out = append(out, toDeliveries(sr.Stream, sr.Messages)...)
	}
	return out, nil
}

func toDeliveries(stream string, msgs []redis.XMessage) []Delivery {
	var out []Delivery
	for _, msg := range msgs {
		raw, ok := msg.Values[payloadField]
		if !ok {
			continue
		}
		var payload []byte
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		out = append(out, Delivery{Stream: stream, Offset: msg.ID, Payload: payload})
	}
	return out
}

func (t *RedisTransport) Ack(ctx context.Context, stream, group, offset string) error {
	if err := t.client.XAck(ctx, stream, group, offset).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, offset, err)
	}
	return nil
}

func (t *RedisTransport) Len(ctx context.Context, stream string) (int64, error) {
	n, err := t.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (t *RedisTransport) SeekGroup(ctx context.Context, stream, group, offset string) error {
	if offset == "" {
		offset = "0"
	}
	if err := t.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}
	if err := t.client.XGroupSetID(ctx, stream, group, offset).Err(); err != nil {
		return fmt.Errorf("xgroup setid %s %s: %w", stream, offset, err)
	}
	return nil
}

// OffsetForTime maps an instant to a stream id: Redis Streams ids are
// millisecond timestamps with a sequence suffix.
func (t *RedisTransport) OffsetForTime(at time.Time) string {
	return fmt.Sprintf("%d-0", at.UnixMilli())
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error { return t.client.Close() }

var _ Transport = (*RedisTransport)(nil)

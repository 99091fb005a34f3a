package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/resilience"
)

type mapDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMapDeduper() *mapDeduper {
	return &mapDeduper{seen: make(map[string]struct{})}
}

func (d *mapDeduper) MarkEventProcessed(_ context.Context, group, uid string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := group + "\x00" + uid
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

func issuedEvent(uid, principal string) *contracts.LedgerEvent {
	return &contracts.LedgerEvent{
		EventUID:      uid,
		SchemaVersion: contracts.SchemaVersionCurrent,
		Kind:          contracts.EventIssued,
		Timestamp:     time.Now().UTC(),
		PrincipalID:   principal,
		MandateID:     "m-1",
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
}

func TestPartitionIsStableAndInRange(t *testing.T) {
	p := Partition("principal-42", 5)
	for i := 0; i < 100; i++ {
		require.Equal(t, p, Partition("principal-42", 5))
	}
	require.GreaterOrEqual(t, p, 0)
	require.Less(t, p, 5)
	require.Equal(t, 0, Partition("anyone", 1))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Topic:       TopicIssued,
		Partition:   2,
		Sequence:    7,
		PublishedAt: time.Now().UTC(),
		Event:       issuedEvent("uid-1", "p-1"),
	}
	payload, err := EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, env.Topic, got.Topic)
	require.Equal(t, env.Sequence, got.Sequence)
	require.Equal(t, "uid-1", got.Event.EventUID)
}

func TestDecodeRejectsBadWireEvents(t *testing.T) {
	cases := map[string]string{
		"unknown kind":  `{"topic":"authority.issued","partition":0,"sequence":1,"published_at":"2026-01-01T00:00:00Z","event":{"event_uid":"u","schema_version":1,"kind":"exploded","timestamp":"2026-01-01T00:00:00Z","principal_id":"p"}}`,
		"missing uid":   `{"topic":"authority.issued","partition":0,"sequence":1,"published_at":"2026-01-01T00:00:00Z","event":{"schema_version":1,"kind":"issued","timestamp":"2026-01-01T00:00:00Z","principal_id":"p"}}`,
		"wrong version": `{"topic":"authority.issued","partition":0,"sequence":1,"published_at":"2026-01-01T00:00:00Z","event":{"event_uid":"u","schema_version":9,"kind":"issued","timestamp":"2026-01-01T00:00:00Z","principal_id":"p"}}`,
		"missing event": `{"topic":"authority.issued","partition":0,"sequence":1,"published_at":"2026-01-01T00:00:00Z"}`,
		"not even json": `not json`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestTopicFor(t *testing.T) {
	require.Equal(t, TopicIssued, TopicFor(contracts.EventIssued))
	require.Equal(t, TopicValidated, TopicFor(contracts.EventValidated))
	require.Equal(t, TopicValidated, TopicFor(contracts.EventDenied))
	require.Equal(t, TopicRevoked, TopicFor(contracts.EventRevoked))
	require.Equal(t, TopicPolicyChanged, TopicFor(contracts.EventPolicyChanged))
	require.Equal(t, "", TopicFor(contracts.EventKind("bogus")))
}

func TestProducerPublishesToPrincipalStream(t *testing.T) {
	tr := NewMemoryTransport()
	p := NewProducer(tr, nil, nil)
	defer func() { _ = p.Close() }()

	ev := issuedEvent("uid-pub", "principal-7")
	require.NoError(t, p.Publish(context.Background(), ev))

	stream := StreamName(TopicIssued, Partition("principal-7", DefaultPartitions[TopicIssued]))
	n, err := tr.Len(context.Background(), stream)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

// failingTransport fails Append until unblocked.
type failingTransport struct {
	*MemoryTransport
	mu     sync.Mutex
	broken bool
}

func (f *failingTransport) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return "", errors.New("broker unreachable")
	}
	return f.MemoryTransport.Append(ctx, stream, payload)
}

func TestProducerRequeuesAndDrains(t *testing.T) {
	ft := &failingTransport{MemoryTransport: NewMemoryTransport(), broken: true}
	p := NewProducer(ft, nil, nil)
	defer func() { _ = p.Close() }()

	ev := issuedEvent("uid-requeue", "principal-9")
	err := p.Publish(context.Background(), ev)
	require.Error(t, err)
	require.True(t, contracts.IsKind(err, contracts.KindDownstream))
	require.Equal(t, 1, p.QueueDepth())

	ft.mu.Lock()
	ft.broken = false
	ft.mu.Unlock()

	stream := StreamName(TopicIssued, Partition("principal-9", DefaultPartitions[TopicIssued]))
	require.Eventually(t, func() bool {
		n, err := ft.Len(context.Background(), stream)
		return err == nil && n == 1 && p.QueueDepth() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func runConsumer(t *testing.T, cfg ConsumerConfig, tr Transport, d Deduper, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c := NewConsumer(cfg, tr, d, h, nil)
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	tr := NewMemoryTransport()
	p := NewProducer(tr, nil, nil)
	defer func() { _ = p.Close() }()

	var mu sync.Mutex
	var got []string
	cfg := ConsumerConfig{
		Group: "test-group", Consumer: "c-1",
		PollBlock: 50 * time.Millisecond, Retry: fastRetry(),
	}
	runConsumer(t, cfg, tr, newMapDeduper(), func(_ context.Context, env *Envelope) error {
		mu.Lock()
		got = append(got, env.Event.EventUID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, p.Publish(context.Background(), issuedEvent("uid-c1", "p-1")))
	require.NoError(t, p.Publish(context.Background(), issuedEvent("uid-c2", "p-1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Same principal, same stream: arrival order is publish order.
	require.Equal(t, []string{"uid-c1", "uid-c2"}, got)
}

func TestConsumerSuppressesDuplicateUIDs(t *testing.T) {
	tr := NewMemoryTransport()
	p := NewProducer(tr, nil, nil)
	defer func() { _ = p.Close() }()

	var calls int32
	var mu sync.Mutex
	cfg := ConsumerConfig{
		Group: "dedupe-group", Consumer: "c-1",
		PollBlock: 50 * time.Millisecond, Retry: fastRetry(),
	}
	runConsumer(t, cfg, tr, newMapDeduper(), func(_ context.Context, env *Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	// Same event uid published twice, as a crashed producer would on
	// restart.
	ev := issuedEvent("uid-dup", "p-1")
	require.NoError(t, p.Publish(context.Background(), ev))
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Eventually(t, func() bool {
		n, err := tr.Len(context.Background(), StreamName(TopicIssued, Partition("p-1", 3)))
		return err == nil && n == 2
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls)
}

func TestConsumerParksExhaustedDeliveries(t *testing.T) {
	tr := NewMemoryTransport()
	p := NewProducer(tr, nil, nil)
	defer func() { _ = p.Close() }()

	cfg := ConsumerConfig{
		Group: "dlq-group", Consumer: "c-1",
		PollBlock: 50 * time.Millisecond, Retry: fastRetry(),
	}
	runConsumer(t, cfg, tr, newMapDeduper(), func(_ context.Context, env *Envelope) error {
		return errors.New("handler always fails")
	})

	require.NoError(t, p.Publish(context.Background(), issuedEvent("uid-dlq", "p-dlq")))

	dlqStream := StreamName(DLQTopic, Partition("p-dlq", DefaultPartitions[DLQTopic]))
	require.Eventually(t, func() bool {
		n, err := tr.Len(context.Background(), dlqStream)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	deliveries, err := tr.Read(context.Background(), dlqStream, "inspect", "i-1", 10, 0)
	if len(deliveries) == 0 {
		_ = tr.EnsureGroup(context.Background(), dlqStream, "inspect")
		deliveries, err = tr.Read(context.Background(), dlqStream, "inspect", "i-1", 10, time.Second)
	}
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	rec, err := DecodeDLQRecord(deliveries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, TopicIssued, rec.OriginalTopic)
	require.Equal(t, "dlq-group", rec.ConsumerGroup)
	require.Equal(t, 4, rec.RetryCount) // first attempt + 3 retries
	require.Equal(t, "uid-dlq", rec.Envelope.Event.EventUID)
}

// dlqFailingTransport accepts source-stream appends but fails DLQ
// appends until healed.
type dlqFailingTransport struct {
	*MemoryTransport
	mu     sync.Mutex
	broken bool
}

func (f *dlqFailingTransport) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken && strings.HasPrefix(stream, DLQTopic) {
		return "", errors.New("dlq shard down")
	}
	return f.MemoryTransport.Append(ctx, stream, payload)
}

func pendingCount(tr *MemoryTransport, stream, group string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	g := tr.groups[stream][group]
	if g == nil {
		return 0
	}
	return len(g.pending)
}

func TestConsumerHoldsDeliveryWhenParkFails(t *testing.T) {
	ft := &dlqFailingTransport{MemoryTransport: NewMemoryTransport(), broken: true}
	p := NewProducer(ft, nil, nil)
	defer func() { _ = p.Close() }()

	var mu sync.Mutex
	calls := 0
	cfg := ConsumerConfig{
		Group: "hold-group", Consumer: "c-1",
		PollBlock: 50 * time.Millisecond, Retry: fastRetry(),
	}
	runConsumer(t, cfg, ft, newMapDeduper(), func(_ context.Context, _ *Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("handler always fails")
	})

	require.NoError(t, p.Publish(context.Background(), issuedEvent("uid-hold", "p-hold")))

	srcStream := StreamName(TopicIssued, Partition("p-hold", DefaultPartitions[TopicIssued]))
	dlqStream := StreamName(DLQTopic, Partition("p-hold", DefaultPartitions[DLQTopic]))

	// Retries exhaust, but with the DLQ unreachable the delivery must not
	// be committed: the envelope would be gone from both the stream and
	// the DLQ.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 4
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	n, err := ft.Len(context.Background(), dlqStream)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, pendingCount(ft.MemoryTransport, srcStream, "hold-group"))

	// DLQ heals: the held delivery is parked and committed on redelivery
	// without re-running the handler.
	ft.mu.Lock()
	ft.broken = false
	ft.mu.Unlock()

	require.Eventually(t, func() bool {
		n, err := ft.Len(context.Background(), dlqStream)
		return err == nil && n == 1 && pendingCount(ft.MemoryTransport, srcStream, "hold-group") == 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	require.Equal(t, 4, calls)
	mu.Unlock()

	require.NoError(t, ft.EnsureGroup(context.Background(), dlqStream, "inspect"))
	deliveries, err := ft.Read(context.Background(), dlqStream, "inspect", "i-1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	rec, err := DecodeDLQRecord(deliveries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, 4, rec.RetryCount)
	require.Equal(t, "uid-hold", rec.Envelope.Event.EventUID)
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := NewRedisTransport(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = tr.Close() }()

	ctx := context.Background()
	stream := StreamName(TopicIssued, 0)

	offset, err := tr.Append(ctx, stream, []byte("payload-1"))
	require.NoError(t, err)
	require.NotEmpty(t, offset)

	require.NoError(t, tr.EnsureGroup(ctx, stream, "g"))
	require.NoError(t, tr.EnsureGroup(ctx, stream, "g")) // idempotent

	deliveries, err := tr.Read(ctx, stream, "g", "c-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, []byte("payload-1"), deliveries[0].Payload)

	require.NoError(t, tr.Ack(ctx, stream, "g", deliveries[0].Offset))

	n, err := tr.Len(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Seek back to the start and read the same entry again.
	require.NoError(t, tr.SeekGroup(ctx, stream, "g", "0"))
	deliveries, err = tr.Read(ctx, stream, "g", "c-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
}

func TestGuardedTransportFailsFastWhenOpen(t *testing.T) {
	ft := &failingTransport{MemoryTransport: NewMemoryTransport(), broken: true}
	pub := resilience.NewBreaker("bus-publish", nil, nil)
	con := resilience.NewBreaker("bus-consume", nil, nil)
	g := WrapTransport(ft, pub, con)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := g.Append(ctx, "s", []byte("x"))
		require.Error(t, err)
	}
	// Breaker is now open: the next call short-circuits with a
	// downstream-unavailable error without touching the transport.
	_, err := g.Append(ctx, "s", []byte("x"))
	require.True(t, contracts.IsKind(err, contracts.KindDownstream))

	// Consume-side breaker is independent and still closed.
	_, err = g.Read(ctx, "s", "g", "c", 1, 0)
	require.NoError(t, err)
}

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/resilience"
)

// Handler processes one decoded envelope. A nil return commits the
// delivery; an error enters the retry ladder and, when exhausted, sends
// the envelope to the DLQ.
type Handler func(ctx context.Context, env *Envelope) error

// Deduper records which event uids a consumer group has processed. The
// first mark returns true; redeliveries return false and are skipped.
// Backed by the store's processed-events table.
type Deduper interface {
	MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error)
}

// ConsumerConfig shapes one consumer group.
type ConsumerConfig struct {
	Group    string
	Consumer string
	// Topics to subscribe; nil means all four authority topics.
	Topics []string
	// Partitions per topic; nil means DefaultPartitions.
	Partitions map[string]int
	// BatchSize per poll. Default 100.
	BatchSize int
	// PollBlock is the blocking read timeout. Default 1s.
	PollBlock time.Duration
	// Retry is the handler retry ladder. Default 3 at 100/200/400ms.
	Retry resilience.RetryConfig
	// DLQAlertThreshold triggers an operational alert log when the DLQ
	// depth crosses it. Default 1000.
	DLQAlertThreshold int64
}

func (c *ConsumerConfig) withDefaults() {
	if len(c.Topics) == 0 {
		c.Topics = Topics
	}
	if c.Partitions == nil {
		c.Partitions = DefaultPartitions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollBlock <= 0 {
		c.PollBlock = time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	if c.DLQAlertThreshold <= 0 {
		c.DLQAlertThreshold = 1000
	}
}

// Consumer runs one goroutine per subscribed stream, pairing the handler
// with commit-after-success semantics: a delivery is acked only after the
// handler returns (or the envelope has been parked on the DLQ).
//
// Duplicates are suppressed with a processed-event marker taken before
// the handler runs. The marker-first window (marked, then crashed before
// the handler's effects landed) is closed upstream: the store ledger, not
// the bus, is the source of truth, and the materializer scans it for
// unsealed events independently of deliveries.
type Consumer struct {
	cfg       ConsumerConfig
	transport Transport
	dedupe    Deduper
	handler   Handler
	log       *slog.Logger

	mu      sync.Mutex
	lastSeq map[string]uint64
	parked  map[string]pendingPark
}

// pendingPark holds a DLQ write that failed, keyed by stream|offset. The
// dedupe marker for the event is already set by the time a park can fail,
// so the redelivery arrives as a duplicate; the park is retried there.
type pendingPark struct {
	env     *Envelope
	retries int
	cause   error
}

func NewConsumer(cfg ConsumerConfig, transport Transport, dedupe Deduper, handler Handler, log *slog.Logger) *Consumer {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		cfg:       cfg,
		transport: transport,
		dedupe:    dedupe,
		handler:   handler,
		log:       log.With("component", "bus.consumer", "group", cfg.Group),
		lastSeq:   make(map[string]uint64),
		parked:    make(map[string]pendingPark),
	}
}

// streams lists every physical stream the consumer subscribes to.
func (c *Consumer) streams() []string {
	var out []string
	for _, topic := range c.cfg.Topics {
		n := c.cfg.Partitions[topic]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, StreamName(topic, i))
		}
	}
	return out
}

// Run consumes until ctx is canceled. It returns the first group-setup
// error; per-delivery failures are handled via the ladder and DLQ.
func (c *Consumer) Run(ctx context.Context) error {
	streams := c.streams()
	for _, s := range streams {
		if err := c.transport.EnsureGroup(ctx, s, c.cfg.Group); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			c.consumeStream(ctx, stream)
		}(s)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) consumeStream(ctx context.Context, stream string) {
	for ctx.Err() == nil {
		deliveries, err := c.transport.Read(ctx, stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("poll failed", "stream", stream, "error", err)
			time.Sleep(c.cfg.PollBlock)
			continue
		}
		for _, d := range deliveries {
			if ctx.Err() != nil {
				return
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	env, err := DecodeEnvelope(d.Payload)
	if err != nil {
		// Unparseable payloads can never succeed; park immediately.
		c.log.Error("undecodable delivery", "stream", d.Stream, "offset", d.Offset, "error", err)
		if perr := c.park(ctx, d, nil, 0, err); perr != nil {
			// Leave unacked; decoding fails again on redelivery and the
			// park is retried then.
			c.log.Error("park failed", "stream", d.Stream, "offset", d.Offset, "error", perr)
			return
		}
		c.ack(ctx, d)
		return
	}

	c.checkSequence(d.Stream, env)

	first, err := c.dedupe.MarkEventProcessed(ctx, c.cfg.Group, env.Event.EventUID)
	if err != nil {
		// Leave unacked; the transport redelivers and we try again.
		c.log.Error("dedup check failed", "stream", d.Stream, "event_uid", env.Event.EventUID, "error", err)
		return
	}
	if !first {
		if !c.settleDeferredPark(ctx, d) {
			return
		}
		c.log.Debug("duplicate delivery suppressed", "stream", d.Stream, "event_uid", env.Event.EventUID)
		c.ack(ctx, d)
		return
	}

	attempts := 0
	err = resilience.Retry(ctx, c.cfg.Retry, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		return c.handler(ctx, env)
	})
	if err != nil {
		c.log.Error("handler exhausted retries", "stream", d.Stream,
			"event_uid", env.Event.EventUID, "attempts", attempts, "error", err)
		if perr := c.park(ctx, d, env, attempts, err); perr != nil {
			// Commit-after-success also covers the DLQ write: an
			// exhausted delivery that could not be parked stays unacked
			// so the transport redelivers it.
			c.log.Error("park failed, holding delivery", "stream", d.Stream, "offset", d.Offset, "error", perr)
			c.deferPark(d, env, attempts, err)
			return
		}
	}
	c.ack(ctx, d)
}

func (c *Consumer) deferPark(d Delivery, env *Envelope, retries int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked[d.Stream+"|"+d.Offset] = pendingPark{env: env, retries: retries, cause: cause}
}

// settleDeferredPark retries a park that failed on an earlier attempt at
// this delivery. Returns false when the delivery must stay unacked.
func (c *Consumer) settleDeferredPark(ctx context.Context, d Delivery) bool {
	key := d.Stream + "|" + d.Offset
	c.mu.Lock()
	p, ok := c.parked[key]
	c.mu.Unlock()
	if !ok {
		return true
	}
	if err := c.park(ctx, d, p.env, p.retries, p.cause); err != nil {
		c.log.Error("park retry failed", "stream", d.Stream, "offset", d.Offset, "error", err)
		return false
	}
	c.mu.Lock()
	delete(c.parked, key)
	c.mu.Unlock()
	return true
}

// checkSequence reports (but does not skip) producer-sequence regressions
// within a stream. On a FIFO stream a regression means the bus broke its
// ordering guarantee.
func (c *Consumer) checkSequence(stream string, env *Envelope) {
	if env.Sequence == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last := c.lastSeq[stream]; env.Sequence < last {
		c.log.Error("out-of-order delivery on FIFO stream",
			"stream", stream, "sequence", env.Sequence, "last_sequence", last)
	} else {
		c.lastSeq[stream] = env.Sequence
	}
}

// park writes a DLQ record for a delivery that cannot be processed.
func (c *Consumer) park(ctx context.Context, d Delivery, env *Envelope, retries int, cause error) error {
	rec := &DLQRecord{
		Offset:        d.Offset,
		RetryCount:    retries,
		ErrorType:     fmt.Sprintf("%T", cause),
		ErrorMessage:  cause.Error(),
		ConsumerGroup: c.cfg.Group,
		FailedAt:      time.Now().UTC(),
		Envelope:      env,
	}
	principalID := ""
	if env != nil {
		rec.OriginalTopic = env.Topic
		rec.Partition = env.Partition
		principalID = env.Event.PrincipalID
	}
	payload, err := EncodeDLQRecord(rec)
	if err != nil {
		return fmt.Errorf("encode dlq record: %w", err)
	}
	stream := StreamName(DLQTopic, Partition(principalID, c.cfg.Partitions[DLQTopic]))
	if _, err := c.transport.Append(ctx, stream, payload); err != nil {
		return fmt.Errorf("dlq append %s: %w", stream, err)
	}
	c.watchDLQDepth(ctx)
	return nil
}

// watchDLQDepth raises the operational alert when parked volume crosses
// the configured threshold.
func (c *Consumer) watchDLQDepth(ctx context.Context) {
	n := c.cfg.Partitions[DLQTopic]
	if n <= 0 {
		n = 1
	}
	var total int64
	for i := 0; i < n; i++ {
		depth, err := c.transport.Len(ctx, StreamName(DLQTopic, i))
		if err != nil {
			return
		}
		total += depth
	}
	if total > c.cfg.DLQAlertThreshold {
		c.log.Error("dlq depth over threshold", "depth", total, "threshold", c.cfg.DLQAlertThreshold)
	}
}

func (c *Consumer) ack(ctx context.Context, d Delivery) {
	if err := c.transport.Ack(ctx, d.Stream, c.cfg.Group, d.Offset); err != nil {
		c.log.Error("ack failed", "stream", d.Stream, "offset", d.Offset, "error", err)
	}
}

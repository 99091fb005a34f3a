package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// MaxRequeueBytes bounds the producer's local retry buffer. Once full,
// the oldest queued envelope is dropped with an error log; the store
// ledger row is authoritative, so a dropped publish is recoverable by
// replay.
const MaxRequeueBytes = 32 << 20

// flushInterval paces the background drain of the requeue buffer.
const flushInterval = time.Second

// publishTimeout bounds one broker confirm.
const publishTimeout = 5 * time.Second

// Producer publishes ledger events onto their authority topic streams.
// Sends are confirm-before-return; a failed send lands in a bounded local
// requeue that a background loop drains in order. Sequence numbers are
// assigned per stream so consumers can detect reordering.
type Producer struct {
	transport  Transport
	partitions map[string]int
	log        *slog.Logger

	mu         sync.Mutex
	seq        map[string]uint64
	queue      []queuedSend
	queueBytes int

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type queuedSend struct {
	stream  string
	payload []byte
}

// NewProducer starts a producer over the transport. partitions may be nil
// to use DefaultPartitions.
func NewProducer(transport Transport, partitions map[string]int, log *slog.Logger) *Producer {
	if partitions == nil {
		partitions = DefaultPartitions
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{
		transport:  transport,
		partitions: partitions,
		log:        log.With("component", "bus.producer"),
		seq:        make(map[string]uint64),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Publish sends ev to its topic stream and waits for broker confirmation.
// On failure the envelope is queued locally for background redelivery and
// the error is returned so the caller can log it; the caller's store
// transaction remains the source of truth either way.
func (p *Producer) Publish(ctx context.Context, ev *contracts.LedgerEvent) error {
	topic := TopicFor(ev.Kind)
	if topic == "" {
		return contracts.NewError(contracts.KindValidation, fmt.Sprintf("no topic for event kind %q", ev.Kind))
	}
	partition := Partition(ev.PrincipalID, p.partitions[topic])
	stream := StreamName(topic, partition)

	env := &Envelope{
		Topic:       topic,
		Partition:   partition,
		Sequence:    p.nextSeq(stream),
		PublishedAt: time.Now().UTC(),
		Event:       ev,
	}
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.transport.Append(sendCtx, stream, payload); err != nil {
		p.enqueue(stream, payload)
		p.log.Error("publish failed, queued for redelivery",
			"stream", stream, "event_uid", ev.EventUID, "error", err)
		return contracts.WrapError(contracts.KindDownstream, "bus publish", err)
	}
	return nil
}

func (p *Producer) nextSeq(stream string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[stream]++
	return p.seq[stream]
}

func (p *Producer) enqueue(stream string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queueBytes+len(payload) > MaxRequeueBytes && len(p.queue) > 0 {
		dropped := p.queue[0]
		p.queue = p.queue[1:]
		p.queueBytes -= len(dropped.payload)
		p.log.Error("requeue buffer full, dropping oldest envelope", "stream", dropped.stream)
	}
	p.queue = append(p.queue, queuedSend{stream: stream, payload: payload})
	p.queueBytes += len(payload)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of envelopes awaiting redelivery.
func (p *Producer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Producer) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain()
	}
}

// drain resends queued envelopes in order, stopping at the first failure
// to preserve per-stream ordering.
func (p *Producer) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		head := p.queue[0]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err := p.transport.Append(ctx, head.stream, head.payload)
		cancel()
		if err != nil {
			return
		}

		p.mu.Lock()
		if len(p.queue) > 0 {
			p.queue = p.queue[1:]
			p.queueBytes -= len(head.payload)
		}
		p.mu.Unlock()
	}
}

// Close stops the background flusher after a final drain attempt.
func (p *Producer) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()
	return nil
}

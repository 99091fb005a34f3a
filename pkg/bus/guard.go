package bus

import (
	"context"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/resilience"
)

// WrapTransport guards a transport with circuit breakers: one for the
// publish side, one for the consume side, so a stalled broker read does
// not fail-fast publishes and vice versa.
func WrapTransport(t Transport, publish, consume *resilience.Breaker) Transport {
	return &guardedTransport{next: t, publish: publish, consume: consume}
}

type guardedTransport struct {
	next    Transport
	publish *resilience.Breaker
	consume *resilience.Breaker
}

func (g *guardedTransport) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	var id string
	err := g.publish.Do(ctx, func() error {
		var err error
		id, err = g.next.Append(ctx, stream, payload)
		return err
	})
	return id, err
}

func (g *guardedTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	return g.consume.Do(ctx, func() error { return g.next.EnsureGroup(ctx, stream, group) })
}

func (g *guardedTransport) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	var out []Delivery
	err := g.consume.Do(ctx, func() error {
		var err error
		out, err = g.next.Read(ctx, stream, group, consumer, count, block)
		return err
	})
	return out, err
}

func (g *guardedTransport) Ack(ctx context.Context, stream, group, offset string) error {
	return g.consume.Do(ctx, func() error { return g.next.Ack(ctx, stream, group, offset) })
}

func (g *guardedTransport) Len(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := g.consume.Do(ctx, func() error {
		var err error
		n, err = g.next.Len(ctx, stream)
		return err
	})
	return n, err
}

func (g *guardedTransport) SeekGroup(ctx context.Context, stream, group, offset string) error {
	return g.consume.Do(ctx, func() error { return g.next.SeekGroup(ctx, stream, group, offset) })
}

func (g *guardedTransport) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

func (g *guardedTransport) Close() error { return g.next.Close() }

var _ Transport = (*guardedTransport)(nil)

package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport for tests and lite mode.
// Streams are slices; group cursors index into them. Redelivery of
// unacked messages happens when the same group reads again, matching the
// pending-entries behavior consumers rely on.
type MemoryTransport struct {
	mu      sync.Mutex
	streams map[string][]memoryMsg
	groups  map[string]map[string]*memoryGroup // stream -> group -> state
	wake    chan struct{}
}

type memoryMsg struct {
	offset  int64
	payload []byte
}

type memoryGroup struct {
	next    int64            // next offset to deliver
	pending map[int64][]byte // delivered, not yet acked
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		streams: make(map[string][]memoryMsg),
		groups:  make(map[string]map[string]*memoryGroup),
		wake:    make(chan struct{}, 1),
	}
}

func (t *MemoryTransport) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	offset := int64(len(t.streams[stream]) + 1)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.streams[stream] = append(t.streams[stream], memoryMsg{offset: offset, payload: buf})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return strconv.FormatInt(offset, 10), nil
}

func (t *MemoryTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[stream] == nil {
		t.groups[stream] = make(map[string]*memoryGroup)
	}
	if t.groups[stream][group] == nil {
		t.groups[stream][group] = &memoryGroup{pending: make(map[int64][]byte)}
	}
	return nil
}

func (t *MemoryTransport) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	deadline := time.Now().Add(block)
	for {
		out := t.tryRead(stream, group, count)
		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.wake:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (t *MemoryTransport) tryRead(stream, group string, count int) []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groupLocked(stream, group)

	var out []Delivery
	// Unacked messages are redelivered first, in offset order.
	for off := int64(1); off <= int64(len(t.streams[stream])) && len(out) < count; off++ {
		if payload, ok := g.pending[off]; ok {
			out = append(out, Delivery{Stream: stream, Offset: strconv.FormatInt(off, 10), Payload: payload})
		}
	}
	for len(out) < count && g.next < int64(len(t.streams[stream])) {
		msg := t.streams[stream][g.next]
		g.next++
		g.pending[msg.offset] = msg.payload
		out = append(out, Delivery{Stream: stream, Offset: strconv.FormatInt(msg.offset, 10), Payload: msg.payload})
	}
	return out
}

func (t *MemoryTransport) groupLocked(stream, group string) *memoryGroup {
	if t.groups[stream] == nil {
		t.groups[stream] = make(map[string]*memoryGroup)
	}
	g := t.groups[stream][group]
	if g == nil {
		g = &memoryGroup{pending: make(map[int64][]byte)}
		t.groups[stream][group] = g
	}
	return g
}

func (t *MemoryTransport) Ack(ctx context.Context, stream, group, offset string) error {
	off, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return fmt.Errorf("bad offset %q: %w", offset, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groupLocked(stream, group).pending, off)
	return nil
}

func (t *MemoryTransport) Len(ctx context.Context, stream string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.streams[stream])), nil
}

func (t *MemoryTransport) SeekGroup(ctx context.Context, stream, group, offset string) error {
	var off int64
	if offset != "" && offset != "0" {
		parsed, err := strconv.ParseInt(offset, 10, 64)
		if err != nil {
			return fmt.Errorf("bad offset %q: %w", offset, err)
		}
		off = parsed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groupLocked(stream, group)
	g.next = off
	g.pending = make(map[int64][]byte)
	return nil
}

func (t *MemoryTransport) Ping(ctx context.Context) error { return nil }
func (t *MemoryTransport) Close() error                   { return nil }

var _ Transport = (*MemoryTransport)(nil)

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// MemoryCache is an in-process MandateCache for tests and lite mode. TTL
// is enforced lazily on lookup; a janitor sweep evicts expired entries so
// long-idle processes do not accumulate dead mandates.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	bySubject map[string]map[string]struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

type memoryEntry struct {
	raw       []byte
	subjectID string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:   make(map[string]memoryEntry),
		bySubject: make(map[string]map[string]struct{}),
		stop:      make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *MemoryCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(id, e.subjectID)
		}
	}
}

func (c *MemoryCache) removeLocked(id, subjectID string) {
	delete(c.entries, id)
	if ids, ok := c.bySubject[subjectID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(c.bySubject, subjectID)
		}
	}
}

func (c *MemoryCache) Store(ctx context.Context, m *contracts.Mandate, now time.Time) error {
	if m.Revoked {
		return c.Invalidate(ctx, m.ID)
	}
	raw, err := encodeEntry(m, now)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ID] = memoryEntry{
		raw:       raw,
		subjectID: m.SubjectID,
		expiresAt: now.Add(ttlFor(m, now)),
	}
	ids, ok := c.bySubject[m.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		c.bySubject[m.SubjectID] = ids
	}
	ids[m.ID] = struct{}{}
	return nil
}

func (c *MemoryCache) Lookup(ctx context.Context, id string) (*Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.removeLocked(id, e.subjectID)
		c.mu.Unlock()
		return nil, ErrMiss
	}
	return decodeEntry(e.raw)
}

func (c *MemoryCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.removeLocked(id, e.subjectID)
	}
	return nil
}

func (c *MemoryCache) InvalidateBySubject(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.bySubject[subjectID] {
		delete(c.entries, id)
	}
	delete(c.bySubject, subjectID)
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

var _ MandateCache = (*MemoryCache)(nil)

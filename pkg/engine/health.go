package engine

import (
	"context"
	"time"
)

// Health statuses.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health is the aggregate dependency report served by GET /health.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthProbeTimeout bounds each individual dependency probe.
const healthProbeTimeout = 2 * time.Second

// Health pings the store, cache, and bus. The store is load-bearing: an
// unreachable store is unhealthy, while cache or bus failure only
// degrades (validation falls back to the store; publication re-queues).
func (e *Engine) Health(ctx context.Context) Health {
	checks := make(map[string]string, 3)

	probe := func(name string, ping func(ctx context.Context) error) bool {
		pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		if err := ping(pctx); err != nil {
			checks[name] = "unreachable: " + err.Error()
			return false
		}
		checks[name] = "ok"
		return true
	}

	storeOK := probe("store", e.store.Ping)
	cacheOK := probe("cache", e.cache.Ping)
	busOK := true
	if e.busPing != nil {
		busOK = probe("bus", e.busPing)
	} else {
		checks["bus"] = "not configured"
	}

	h := Health{Checks: checks}
	switch {
	case !storeOK:
		h.Status = StatusUnhealthy
	case !cacheOK || !busOK:
		h.Status = StatusDegraded
	default:
		h.Status = StatusOK
	}
	return h
}

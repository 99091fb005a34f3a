package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/config"
	"github.com/Garudex-Labs/caracal/pkg/engine"
	"github.com/Garudex-Labs/caracal/pkg/ledger"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// Server wires the authority engine onto the HTTP surface.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	snapshots *ledger.Snapshotter
	caps      config.Caps
	jwtSecret string
	idem      IdempotencyStorer
	opts      Options
	log       *slog.Logger
}

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables bearer auth when non-empty.
	JWTSecret string
	Caps      config.Caps
	// Snapshots enables the manual snapshot endpoints when set.
	Snapshots *ledger.Snapshotter
	// RatePerSecond/RateBurst configure the per-IP limiter. Zero disables.
	RatePerSecond float64
	RateBurst     int
	// IdempotencyTTL is how long Idempotency-Key replays are honored.
	// Zero defaults to one hour.
	IdempotencyTTL time.Duration
	Log            *slog.Logger
}

// NewServer builds the server around an engine and its store.
func NewServer(eng *engine.Engine, st store.Store, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Server{
		engine:    eng,
		store:     st,
		snapshots: opts.Snapshots,
		caps:      opts.Caps,
		jwtSecret: opts.JWTSecret,
		idem:      NewIdempotencyStore(ttl),
		opts:      opts,
		log:       log.With("component", "api"),
	}
}

// Handler assembles the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	replay := IdempotencyMiddleware(s.idem)

	// Validation surface: any valid token. Decisions are time-dependent and
	// never replayed from the idempotency cache.
	mux.Handle("POST /mandates/validate", s.authAny(http.HandlerFunc(s.handleValidate)))

	// Mandate lifecycle. Replay runs inside auth: an unauthenticated
	// request never reaches the idempotency cache.
	mux.Handle("POST /mandates", s.authAny(replay(http.HandlerFunc(s.handleIssue))))
	mux.Handle("POST /mandates/delegate", s.authAny(replay(http.HandlerFunc(s.handleDelegate))))
	mux.Handle("GET /mandates/{id}", s.authAny(http.HandlerFunc(s.handleGetMandate)))
	mux.Handle("DELETE /mandates/{id}", s.authAdmin(http.HandlerFunc(s.handleRevoke)))

	// Audit surface.
	mux.Handle("GET /ledger", s.authAny(http.HandlerFunc(s.handleQueryLedger)))
	mux.Handle("GET /ledger/export", s.authAdmin(http.HandlerFunc(s.handleExportLedger)))

	// Admin surface.
	mux.Handle("POST /principals", s.authAdmin(replay(http.HandlerFunc(s.handleCreatePrincipal))))
	mux.Handle("GET /principals", s.authAdmin(http.HandlerFunc(s.handleListPrincipals)))
	mux.Handle("POST /policies", s.authAdmin(replay(http.HandlerFunc(s.handleCreatePolicy))))
	mux.Handle("GET /policies", s.authAdmin(http.HandlerFunc(s.handleListPolicies)))
	mux.Handle("POST /snapshots", s.authAdmin(replay(http.HandlerFunc(s.handleCreateSnapshot))))
	mux.Handle("GET /snapshots/latest", s.authAdmin(http.HandlerFunc(s.handleLatestSnapshot)))

	// Capability-gated enterprise surfaces.
	mux.Handle("/sso/", s.gated(s.caps.SSO, "sso"))
	mux.Handle("/compliance/", s.gated(s.caps.Compliance, "compliance"))
	mux.Handle("/analytics/", s.gated(s.caps.Analytics, "analytics"))
	mux.Handle("/workflows/", s.gated(s.caps.Workflow, "workflow"))

	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux

	if s.opts.RatePerSecond > 0 {
		h = NewGlobalRateLimiter(s.opts.RatePerSecond, s.opts.RateBurst).Middleware(h)
	}
	return h
}

// gated returns a 200 pass-through when the capability is on (reserved for
// the enterprise handlers) and the structured not_available error when off.
func (s *Server) gated(enabled bool, feature string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			WriteNotAvailable(w, feature)
			return
		}
		WriteError(w, http.StatusNotImplemented, "not_implemented",
			"the "+feature+" surface is enabled but not served by this binary", "")
	})
}

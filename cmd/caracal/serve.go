package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Garudex-Labs/caracal/pkg/api"
	"github.com/Garudex-Labs/caracal/pkg/bus"
	"github.com/Garudex-Labs/caracal/pkg/cache"
	"github.com/Garudex-Labs/caracal/pkg/config"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/engine"
	"github.com/Garudex-Labs/caracal/pkg/ledger"
	"github.com/Garudex-Labs/caracal/pkg/observability"
	"github.com/Garudex-Labs/caracal/pkg/resilience"
	"github.com/Garudex-Labs/caracal/pkg/store"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver (lite mode)
)

const rootSigningPurpose = "ledger-root-signing"

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lite := fs.Bool("lite", false, "run single-binary: SQLite storage, in-memory cache and bus")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	cfg.Lite = cfg.Lite || *lite

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	fmt.Fprintf(stdout, "%sCaracal authority plane starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if cfg.Lite {
		fmt.Fprintf(stdout, "ℹ️  Running in %sLite Mode%s (SQLite, in-memory cache and bus).\n", ColorBold+ColorCyan, ColorReset)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout, logger); err != nil {
		fmt.Fprintf(stderr, "%sserve: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "caracal",
		ServiceVersion: version,
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	logger.Info("store ready", "backend", storeBackend(cfg))

	retryCfg := resilience.RetryConfig{
		MaxRetries: cfg.RetryMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Jitter:     0.25,
	}
	guarded := resilience.WrapStore(st, resilience.NewBreaker("store", resilience.StoreBenign, logger), retryCfg)

	var (
		mc        cache.MandateCache
		transport bus.Transport
		limiter   engine.RateLimiter
	)
	if cfg.Lite {
		mc = cache.NewMemoryCache()
		transport = bus.NewMemoryTransport()
		limiter = engine.NewMemoryRateLimiter(cfg.IssuePerMinute, cfg.IssuePerHour)
	} else {
		mc = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		transport = bus.NewRedisTransport(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		limiter = engine.NewRedisRateLimiter(
			redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			cfg.IssuePerMinute, cfg.IssuePerHour)
	}
	defer mc.Close()
	defer transport.Close()

	producer := bus.NewProducer(transport, nil, logger)
	defer producer.Close()

	eng := engine.New(guarded, mc, nil, producer, limiter, logger)
	eng.SetBusPinger(transport.Ping)

	signer, err := loadOrGenerateSigner(cfg, stdout)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	rootSigner, err := signer.DeriveForPurpose(rootSigningPurpose)
	if err != nil {
		return fmt.Errorf("derive root signer: %w", err)
	}
	fmt.Fprintf(stdout, "🔑 Root signing key: %s%s%s\n", ColorBold+ColorGreen, rootSigner.PublicKeyHex(), ColorReset)

	sealer := ledger.NewSealer(guarded, rootSigner, ledger.SealerConfig{
		BatchSize:   cfg.SealBatchSize,
		MaxBatchAge: cfg.SealMaxBatchAge,
		SignerID:    rootSigner.PublicKeyHex(),
	}, logger)
	go func() {
		if err := sealer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sealer stopped", "error", err)
		}
	}()

	archive, err := ledger.OpenArchive(ctx, cfg.SnapshotArchiveURI)
	if err != nil {
		return fmt.Errorf("snapshot archive: %w", err)
	}
	snapshotter := ledger.NewSnapshotter(guarded, archive, ledger.SnapshotterConfig{
		Retention: cfg.SnapshotRetention,
	}, logger)
	go func() {
		if err := snapshotter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("snapshotter stopped", "error", err)
		}
	}()

	startObserverConsumer(ctx, transport, guarded, obs, logger)

	if p, ok := st.(store.Partitioned); ok {
		go maintainPartitions(ctx, p, logger)
	}

	if err := obs.RegisterDLQDepth(func(ctx context.Context) int64 {
		var depth int64
		for i := 0; i < bus.DefaultPartitions[bus.DLQTopic]; i++ {
			n, err := transport.Len(ctx, bus.StreamName(bus.DLQTopic, i))
			if err != nil {
				continue
			}
			depth += n
		}
		return depth
	}); err != nil {
		logger.Warn("dlq gauge registration failed", "error", err)
	}

	server := api.NewServer(eng, guarded, api.Options{
		JWTSecret:     cfg.JWTSecret,
		Caps:          cfg.Caps,
		Snapshots:     snapshotter,
		RatePerSecond: cfg.HTTPRatePerSecond,
		RateBurst:     cfg.HTTPRateBurst,
		Log:           logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()
	fmt.Fprintf(stdout, "ready: http://localhost:%s\n", cfg.Port)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

// startObserverConsumer runs the operational consumer group: it feeds
// decision metrics and keeps the processed-event markers warm so replays
// can be distinguished from live traffic.
func startObserverConsumer(ctx context.Context, transport bus.Transport, st store.Store, obs *observability.Provider, logger *slog.Logger) {
	host, _ := os.Hostname()
	consumer := bus.NewConsumer(bus.ConsumerConfig{
		Group:    "authority-observers",
		Consumer: host,
	}, transport, st, func(ctx context.Context, env *bus.Envelope) error {
		ev := env.Event
		switch ev.Kind {
		case contracts.EventValidated:
			obs.RecordDecision(ctx, true, "")
		case contracts.EventDenied:
			obs.RecordDecision(ctx, false, string(ev.DenialReason))
		}
		logger.Debug("event observed", "kind", string(ev.Kind),
			"principal_id", ev.PrincipalID, "mandate_id", ev.MandateID,
			"topic", env.Topic, "partition", env.Partition)
		return nil
	}, logger)

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("observer consumer stopped", "error", err)
		}
	}()
}

// maintainPartitions pre-creates upcoming monthly ledger partitions once
// a day.
func maintainPartitions(ctx context.Context, p store.Partitioned, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := p.EnsureLedgerPartitions(ctx, time.Now().UTC()); err != nil {
			logger.Error("partition maintenance failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Lite {
		if err := os.MkdirAll(filepath.Dir(defaultPath(cfg.SQLitePath)), 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := sql.Open("sqlite", defaultPath(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store.NewSQLiteStore(db)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return store.NewPostgresStore(db), nil
}

func defaultPath(p string) string {
	if filepath.Dir(p) == "." {
		return filepath.Join("data", p)
	}
	return p
}

func storeBackend(cfg *config.Config) string {
	if cfg.Lite {
		return "sqlite"
	}
	return "postgres"
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}

// loadOrGenerateSigner resolves the system identity: the configured seed
// wins, then a persisted key file, then a freshly generated key that is
// persisted for next start.
func loadOrGenerateSigner(cfg *config.Config, stdout io.Writer) (*crypto.MemoryKeyProvider, error) {
	if cfg.SigningSeed != "" {
		seed, err := hex.DecodeString(cfg.SigningSeed)
		if err != nil {
			return nil, fmt.Errorf("invalid SIGNING_SEED: %w", err)
		}
		return crypto.NewMemoryKeyProviderFromSeed(seed)
	}

	keyPath := filepath.Join("data", "caracal.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid key file %s: %w", keyPath, err)
		}
		return crypto.NewMemoryKeyProviderFromSeed(seed)
	}

	signer, err := crypto.NewMemoryKeyProvider()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o750); err != nil {
		return nil, err
	}
	seedHex := signer.PrivateKeyHex()[:64]
	if err := os.WriteFile(keyPath, []byte(seedHex), 0o600); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}
	fmt.Fprintf(stdout, "\n%s⚠️  Generated a new signing key.%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Fprintf(stdout, "   Key saved to: %s\n", keyPath)
	fmt.Fprintf(stdout, "   In production, provision SIGNING_SEED from a KMS instead.\n\n")
	return signer, nil
}

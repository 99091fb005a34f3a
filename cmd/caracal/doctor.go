package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Garudex-Labs/caracal/pkg/config"
	"github.com/Garudex-Labs/caracal/pkg/ledger"
)

// runDoctorCmd checks the configuration and the reachability of every
// dependency the server would use, without starting it.
func runDoctorCmd(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sCaracal Doctor%s\n\n", ColorBold+ColorBlue, ColorReset)

	failures := 0
	pass := func(name, detail string) {
		fmt.Fprintf(stdout, "  %s✅ %-22s%s %s\n", ColorGreen, name, ColorReset, detail)
	}
	fail := func(name string, err error) {
		failures++
		fmt.Fprintf(stdout, "  %s❌ %-22s%s %v\n", ColorRed, name, ColorReset, err)
	}
	skip := func(name, why string) {
		fmt.Fprintf(stdout, "  %s⏭  %-22s%s %s\n", ColorGray, name, ColorReset, why)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("configuration", err)
		fmt.Fprintf(stdout, "\n%s1 check failed.%s\n", ColorRed, ColorReset)
		return 1
	}
	pass("configuration", fmt.Sprintf("port=%s lite=%v log=%s", cfg.Port, cfg.Lite, cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if st, err := openStore(ctx, cfg); err != nil {
		fail("store", err)
	} else {
		if err := st.Ping(ctx); err != nil {
			fail("store", err)
		} else {
			pass("store", storeBackend(cfg))
		}
		st.Close()
	}

	if cfg.Lite {
		skip("redis", "lite mode uses in-memory cache and bus")
	} else {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fail("redis", err)
		} else {
			pass("redis", cfg.RedisAddr)
		}
		_ = rdb.Close()
	}

	if _, err := ledger.OpenArchive(ctx, cfg.SnapshotArchiveURI); err != nil {
		fail("snapshot archive", err)
	} else {
		pass("snapshot archive", cfg.SnapshotArchiveURI)
	}

	switch {
	case cfg.SigningSeed != "":
		pass("signing key", "SIGNING_SEED configured")
	default:
		keyPath := filepath.Join("data", "caracal.key")
		if _, err := os.Stat(keyPath); err == nil {
			pass("signing key", keyPath)
		} else {
			skip("signing key", "none yet; serve will generate and persist one")
		}
	}

	if cfg.JWTSecret == "" {
		skip("service auth", "JWT_SECRET empty; all requests are anonymous")
	} else {
		pass("service auth", "JWT bearer auth enabled")
	}

	if cfg.OTLPEndpoint == "" {
		skip("telemetry", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
	} else {
		pass("telemetry", cfg.OTLPEndpoint)
	}

	fmt.Fprintln(stdout, "")
	if failures > 0 {
		fmt.Fprintf(stdout, "%s%d check(s) failed.%s\n", ColorRed, failures, ColorReset)
		return 1
	}
	fmt.Fprintf(stdout, "%sAll checks passed.%s\n", ColorGreen, ColorReset)
	return 0
}

// Package main implements the twincore API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/twinhub/twincore/engine/assets"
	"github.com/twinhub/twincore/engine/twins"
	"github.com/twinhub/twincore/pkg/metrics"
	"github.com/twinhub/twincore/pkg/mid"
	"github.com/twinhub/twincore/pkg/store"
	"github.com/twinhub/twincore/pkg/tenant"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	TenantsFile string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	ClickHouseURL  string
	ClickHouseUser string
	ClickHousePass string
	ClickHouseRate float64

	NATSURL string // empty disables change events

	TreeRefresh time.Duration
}

func loadConfig() Config {
	return Config{
		Port:           envOr("PORT", "8080"),
		TenantsFile:    envOr("TENANTS_FILE", "tenants.yaml"),
		Neo4jURL:       envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),
		ClickHouseURL:  envOr("CLICKHOUSE_URL", "http://localhost:8123"),
		ClickHouseUser: envOr("CLICKHOUSE_USER", "default"),
		ClickHousePass: envOr("CLICKHOUSE_PASS", ""),
		ClickHouseRate: envFloat("CLICKHOUSE_RATE", 50),
		NATSURL:        envOr("NATS_URL", ""),
		TreeRefresh:    envDuration("TREE_REFRESH_INTERVAL", 15*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tenants, err := tenant.Load(cfg.TenantsFile)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	graph := store.NewNeo4jGraph(driver)

	// --- Connect to ClickHouse ---
	analytics, err := store.NewClickHouse(store.ClickHouseConfig{
		URL:        cfg.ClickHouseURL,
		Username:   cfg.ClickHouseUser,
		Password:   cfg.ClickHousePass,
		Timeout:    30 * time.Second,
		RatePerSec: cfg.ClickHouseRate,
		Burst:      int(cfg.ClickHouseRate),
	})
	if err != nil {
		return fmt.Errorf("clickhouse client: %w", err)
	}

	// --- Connect to NATS (optional) ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("twincore-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}

	// --- Per-tenant services ---
	reg := metrics.New()
	mirrorFailures := reg.Counter("twincore_mirror_failures_total", "Analytics mirror writes that failed")
	httpRequests := reg.Counter("twincore_http_requests_total", "HTTP requests served")
	httpFailures := reg.Counter("twincore_http_failures_total", "HTTP requests that returned 5xx")

	srv := newServer(tenants, reg, logger)
	twinServices := make([]*twins.Service, 0, len(tenants.All()))
	for _, settings := range tenants.All() {
		mirror := twins.NewMirror(analytics, nc, settings.ID, settings.AnalyticsDatabase, logger, mirrorFailures)
		tw := twins.NewService(settings, graph, mirror, logger)
		srv.register(settings.ID, tw, assets.NewService(tw, graph, analytics, logger))
		twinServices = append(twinServices, tw)
	}

	// The scope-tree cache never expires on its own; this refresher is
	// what keeps the served trees tracking graph changes. It must run on
	// the same service instances the handlers read from.
	go refreshScopeTrees(ctx, twinServices, cfg.TreeRefresh, logger)

	handler := mid.Chain(srv.routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CountRequests(httpRequests, httpFailures),
		mid.OTel("twincore-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "tenants", len(tenants.All()))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

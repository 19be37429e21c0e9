// Package main provides the deskserve host process. It embeds the local HTTP
// API server, keeps it running for the lifetime of the host session, and
// shuts it down cleanly on SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cory-johannsen/deskserve/internal/config"
	"github.com/cory-johannsen/deskserve/internal/httpapi"
	"github.com/cory-johannsen/deskserve/internal/observability"
	"github.com/cory-johannsen/deskserve/internal/server"
	"github.com/cory-johannsen/deskserve/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and DESKSERVE_* environment")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("rendering config: %v", err)
		}
		fmt.Fprint(os.Stdout, string(out))
		return
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting deskserve",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	lifecycleMetrics, err := observability.NewLifecycleMetrics(reg)
	if err != nil {
		logger.Fatal("registering metrics", zap.Error(err))
	}

	readiness := map[string]healthcheck.Check{}
	var pool *postgres.Pool
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		readiness["postgres"] = pool.Check(cfg.Health.CheckTimeout)
	}

	handler := httpapi.NewRouter(logger, httpapi.Options{
		Health:          cfg.Health,
		Metrics:         cfg.Metrics,
		Gatherer:        reg,
		CORS:            cfg.CORS,
		ReadinessChecks: readiness,
	})

	manager := server.NewManager(cfg.Server, handler, logger.Named("embedded"),
		server.WithMetrics(lifecycleMetrics),
	)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StopFn: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
	}
	lifecycle.Add("embedded-http", manager)

	logger.Info("deskserve initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

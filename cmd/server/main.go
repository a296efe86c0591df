// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Command server runs the Segue daemon: the scrape dispatcher, the
// bronze-to-operational pipeline, and the HTTP API, all under one
// supervisor tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/segue/internal/api"
	"github.com/tomtom215/segue/internal/bronze"
	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/dispatch"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/gold"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/operational"
	"github.com/tomtom215/segue/internal/pipeline"
	"github.com/tomtom215/segue/internal/silver"
	"github.com/tomtom215/segue/internal/sources"
	"github.com/tomtom215/segue/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "segue: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", api.Version).Msg("starting segue")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	client, err := fetch.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("build fetch client: %w", err)
	}
	defer func() { _ = client.Close() }()

	registry := sources.NewRegistry(client)
	writer := bronze.NewWriter(db)

	enricher := silver.NewEnricher(cfg.Enrichment)
	canon := silver.NewCanonicalizer(db, writer, cfg.Silver, enricher)
	agg := gold.NewAggregator(db, cfg.Gold)
	mat := operational.NewMaterializer(db, cfg.Operational)

	wmLogger := pipeline.NewLoggerAdapter()
	pubsub, err := pipeline.NewPubSub(cfg.NATS, wmLogger)
	if err != nil {
		return fmt.Errorf("build pipeline transport: %w", err)
	}
	defer func() { _ = pubsub.Close(context.Background()) }()

	router, err := pipeline.NewRouter(cfg.NATS, pubsub, canon, agg, mat, db, wmLogger)
	if err != nil {
		return fmt.Errorf("build pipeline router: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(registry, writer, router, db, cfg.Scrape)
	handler := api.NewRouter(cfg, dispatcher, canon, agg, mat, db, client).Handler()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.RouterService{Router: router})
	tree.AddAPIService(api.NewServer(cfg.Server, handler))
	tree.AddDataService(supervisor.DLQPruner{DB: db})
	if cfg.Fetch.CachePath != "" {
		tree.AddDataService(supervisor.CacheGCService{Client: client})
	}

	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("nats", cfg.NATS.Enabled).
		Msg("supervisor tree starting")

	err = tree.Serve(ctx)
	if err != nil && err != context.Canceled {
		return err
	}

	logging.Info().Msg("shutdown complete")
	return nil
}

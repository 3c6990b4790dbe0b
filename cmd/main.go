package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"resource-allocator/allocator"
	"resource-allocator/api"
	"resource-allocator/catalog"
	"resource-allocator/config"
	"resource-allocator/controller"
	"resource-allocator/health"
	"resource-allocator/metrics"
	"resource-allocator/queues"
	qpubsub "resource-allocator/queues/pubsub"
	"resource-allocator/store/memory"
	"resource-allocator/store/postgres"
	"resource-allocator/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	setLogger(os.Getenv("ALLOCATOR_LOG_LEVEL"))
	log.Info().Msgf("Starting resource-allocator version: %s", version)
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceFile != "" {
		if err := tracing.Init("resource-allocator", version, cfg.TraceFile); err != nil {
			log.Fatal().Err(err).Str("traceFile", cfg.TraceFile).Msg("failed to initialise tracing")
		}
	}

	// Persistence: Postgres when configured, otherwise process-local tables.
	var (
		store  allocator.Store
		checks []health.Check
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer pg.Close()
		store = pg
		checks = append(checks, pg.Ping)
	} else {
		log.Warn().Msg("ALLOCATOR_DATABASE_URL not set; allocations are kept in memory only")
		store = memory.New()
	}

	journal := allocator.NewJournal(store, cfg.JournalFlushInterval)
	sched := allocator.NewScheduler(cfg.Options(), allocator.WithJournal(journal))
	if err := sched.Restore(ctx, store); err != nil {
		log.Fatal().Err(err).Msg("failed to restore scheduler state")
	}

	if cfg.ResourcesFile != "" {
		resources, err := catalog.Load(cfg.ResourcesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ResourcesFile).Msg("failed to load resource catalog")
		}
		n, err := catalog.Seed(ctx, sched, resources)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to seed resource catalog")
		}
		log.Info().Int("seeded", n).Int("declared", len(resources)).Msg("resource catalog applied")
	}

	// HTTP: API, metrics and health on one listener
	mux := http.NewServeMux()
	metrics.Register(mux)
	metrics.RegisterUsage(sched)
	health.Register(mux, checks...)
	api.NewServer(sched).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           api.WithCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	var publisher *qpubsub.Publisher
	if cfg.PubsubEnabled() {
		if cfg.GoogleProjectID == "" {
			log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
		}
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (ambient)")
		}
		publisher = qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
		ctrl := controller.NewController(publisher, sched)
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)

		go func() {
			log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, func(ctx context.Context, msg *queues.AllocationMessage) error {
				return ctrl.Handle(ctx, msg)
			}); err != nil {
				// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("publisher close failed")
		}
	}
	journal.Close()
	if n := journal.Pending(); n > 0 {
		log.Warn().Int("pending", n).Msg("journal closed with unsaved changes")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}

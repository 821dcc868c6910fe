package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	scribed "github.com/snarg/scribed"
	"github.com/snarg/scribed/internal/api"
	"github.com/snarg/scribed/internal/backend"
	"github.com/snarg/scribed/internal/budget"
	"github.com/snarg/scribed/internal/config"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/enrich"
	"github.com/snarg/scribed/internal/ingest"
	"github.com/snarg/scribed/internal/orchestrate"
	"github.com/snarg/scribed/internal/storage"
	"github.com/snarg/scribed/internal/transfer"
)

var version = "dev"

func main() {
	startTime := time.Now()

	// Config
	cfg, err := config.Load()
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribed starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, scribed.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Staging store
	store, err := storage.New(cfg.S3, cfg.AudioDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize staging store")
	}

	// Backends. A backend with an empty key is simply not registered;
	// the router will reject files that can only go to a missing one.
	backends := map[backend.ID]backend.Backend{}
	var backendNames []string
	// Generous per-request timeout: uploads of multi-hundred-MB audio go
	// through these clients.
	const backendHTTPTimeout = 10 * time.Minute
	if cfg.AssemblyAIKey != "" {
		backends[backend.Nano] = backend.NewAssemblyAIClient(cfg.AssemblyAIKey, backendHTTPTimeout)
		backendNames = append(backendNames, string(backend.Nano))
	}
	if cfg.GladiaKey != "" {
		backends[backend.Scribe] = backend.NewGladiaClient(cfg.GladiaKey, backendHTTPTimeout)
		backendNames = append(backendNames, string(backend.Scribe))
	}
	if len(backends) == 0 {
		log.Warn().Msg("no transcription backends configured, submissions will fail")
	}

	// Transfer engine, with the cloud-drive source when configured.
	var drive *transfer.DriveClient
	if cfg.DriveClientID != "" && cfg.DriveClientSecret != "" {
		drive = transfer.NewDriveClient(cfg.DriveClientID, cfg.DriveClientSecret, db, log)
	}
	engine := transfer.NewEngine(store, db, drive, cfg.ChunkSize, log)

	// Budget guard
	guard := budget.NewGuard(db, budget.Options{
		DailyHourLimit: cfg.DailyHourLimit,
		DailyCostLimit: cfg.DailyCostLimit,
		CostPerHour:    cfg.CostPerHour,
		MBPerHour:      cfg.MBPerHour,
		Log:            log,
	})

	// Enrichment destinations. Any unconfigured URL disables that leg.
	var analyzer *enrich.AnalyzerClient
	if cfg.AnalyzerURL != "" {
		analyzer = enrich.NewAnalyzerClient(cfg.AnalyzerURL)
	}
	var knowledge *enrich.KnowledgeClient
	if cfg.KnowledgeURL != "" {
		knowledge = enrich.NewKnowledgeClient(cfg.KnowledgeURL)
	}
	var webhook *enrich.WebhookClient
	if cfg.WebhookURL != "" {
		webhook = enrich.NewWebhookClient(cfg.WebhookURL)
	}
	fanout := enrich.NewFanout(docsOrNil(knowledge), embedderOrNil(analyzer), notifierOrNil(webhook), cfg.EnrichTimeout, log)

	// Orchestrator
	orch := orchestrate.New(db, engine, backends,
		backend.Router{SmallFileCutoff: cfg.SmallFileCutoff},
		guard, analyzerOrNil(analyzer), fanout,
		orchestrate.Options{
			PollInterval:   cfg.PollInterval,
			PollTimeout:    cfg.PollTimeout,
			FreshJobCutoff: cfg.FreshJobCutoff,
		}, log)

	// Retention purge loop
	go db.RetentionLoop(ctx, cfg.RetentionDays, log)

	// Inbox watcher
	if cfg.InboxDir != "" {
		watcher := ingest.NewWatcher(ctx, orch, cfg.InboxDir, cfg.InboxOwner, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start inbox watcher")
		}
		defer watcher.Stop()
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, db, orch, backendNames, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("scribed stopped")
}

// The typed-nil helpers keep a nil concrete client from turning into a
// non-nil interface inside the fan-out and orchestrator.
func docsOrNil(c *enrich.KnowledgeClient) enrich.DocumentStore {
	if c == nil {
		return nil
	}
	return c
}

func embedderOrNil(c *enrich.AnalyzerClient) enrich.Embedder {
	if c == nil {
		return nil
	}
	return c
}

func notifierOrNil(c *enrich.WebhookClient) enrich.Notifier {
	if c == nil {
		return nil
	}
	return c
}

func analyzerOrNil(c *enrich.AnalyzerClient) orchestrate.Analyzer {
	if c == nil {
		return nil
	}
	return c
}

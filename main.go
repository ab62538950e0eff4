package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/api"
	"scrape_runs/cache"
	"scrape_runs/config"
	"scrape_runs/httputil"
	"scrape_runs/logging"
	"scrape_runs/models"
	"scrape_runs/queue"
	"scrape_runs/scheduler"
	"scrape_runs/scraper"
	"scrape_runs/services"
	"scrape_runs/storage"
	"scrape_runs/workers"
)

var (
	migrateOnly = flag.Bool("migrate", false, "Apply Postgres migrations and exit")
	refreshNow  = flag.Bool("refresh", false, "Start runs for every warm query at startup")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel, cfg.LogColor)
	if err != nil {
		logger.WithError(err).Warn("Could not set up file logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Starting scrape run engine...")
	logger.WithFields(logrus.Fields{
		"primary":     cfg.Primary.ID,
		"secondary":   cfg.Secondary.ID,
		"concurrency": cfg.Engine.Concurrency,
		"max_pages":   cfg.Engine.MaxPages,
	}).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *migrateOnly {
		if cfg.Database.URL == "" {
			logger.Fatal("DATABASE_URL is required for -migrate")
		}
		if err := storage.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			logger.WithError(err).Fatal("Migrations failed")
		}
		logger.Info("Migrations applied")
		return
	}

	store := openStore(ctx, cfg, logger)
	defer store.Close()
	logFunc := workers.StoreLogFunc(store, logger)

	runCache, externalCache := openCaches(cfg, logger)
	clients := httputil.NewClients(cfg.Proxy)
	if cfg.Proxy.URL != "" {
		logger.WithField("proxy", maskConnectionString(cfg.Proxy.URL)).Info("Scraping through proxy")
	}

	// Job queue, orchestrator and page worker
	q := queue.New(cfg.Engine.Concurrency, logger)
	orchestrator := scraper.NewOrchestrator(store, q, cfg.Primary, scraper.OrchestratorOptions{
		MaxPages:     cfg.Engine.MaxPages,
		DefaultPages: cfg.Engine.DefaultPages,
		Freshness:    cfg.Engine.Freshness,
	}, logger)
	orchestrator.SetLogger(logFunc)

	extractor := scraper.NewExtractor(cfg.Primary, clients.Scraping, cfg.Engine.NavTimeout, logger)
	defer extractor.Close()

	pageWorker := scraper.NewPageWorker(
		store,
		extractor,
		services.NewNormalizer(cfg.Engine.UFToCLP, cfg.Primary.ID),
		cfg.Primary,
		runCache,
		orchestrator,
		orchestrator,
		scraper.WorkerOptions{
			NavTimeout:   cfg.Engine.NavTimeout,
			PageRetries:  cfg.Engine.PageRetries,
			RetryBackoff: cfg.Engine.RetryBackoff,
		},
		logger,
	)
	pageWorker.SetLogger(logFunc)

	q.Handle(queue.KindRunPage, pageWorker.Handle)
	admission := queue.NewAdmission(nil)
	q.SetAdmission(admission)
	q.Handle(queue.KindURL, scraper.NewURLScraper(clients.Jobs, admission, store, logger).Handle)
	q.Start(ctx)

	if n, err := orchestrator.ResumeRuns(ctx); err != nil {
		logger.WithError(err).Error("Failed to resume unfinished runs")
	} else if n > 0 {
		logger.WithField("pages", n).Info("Resumed unfinished run pages")
	}

	// Secondary marketplace
	secondaryNormalizer := services.NewNormalizer(cfg.Engine.UFToCLP, cfg.Secondary.ID)
	supplemental := services.NewSupplementalService(
		scraper.NewMarketplaceClient(cfg.Secondary, clients.API, secondaryNormalizer, logger),
		scraper.NewMarketplaceFallback(cfg.Secondary, clients.Scraping, secondaryNormalizer, logger),
		externalCache,
		workers.NewDetailEnricher(cfg.External.DetailConcurrency, cfg.External.DetailBudget, cfg.External.RatePerSec, logger),
		cfg.External.Limit,
		cfg.Secondary.Name,
		logger,
	)

	assembler := services.NewAssembler(orchestrator, store, runCache, supplemental, services.AssemblerOptions{
		PageSize:       cfg.Engine.PageSize,
		DefaultStateID: cfg.Secondary.DefaultStateID,
		SecondaryLabel: cfg.Secondary.Name,
	}, logger)

	// Background workers
	sweeper := workers.NewStalledPageSweeper(orchestrator, cfg.Engine.StalledLease, logger)
	sweeper.SetLogger(logFunc)
	go sweeper.Run(ctx, cfg.Engine.SweepInterval)
	logger.WithField("lease", cfg.Engine.StalledLease).Info("Stalled page sweeper started")

	var archiver scheduler.Triggerable
	if cfg.S3.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			logger.WithError(err).Error("S3 uploader unavailable, run archiving disabled")
		} else {
			archiveWorker := workers.NewArchiveWorker(store, uploader, logger)
			archiveWorker.SetLogger(logFunc)
			go archiveWorker.Run(ctx, cfg.Engine.ArchiveInterval)
			archiver = archiveWorker
			logger.WithField("bucket", cfg.S3.Bucket).Info("Run archive worker started")
		}
	}

	sched := scheduler.New(cfg, orchestrator, store, logger)
	sched.SetWorkers(sweeper, archiver)
	sched.SetCaches(runCache, externalCache)
	if err := sched.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	if *refreshNow {
		logger.WithField("created", sched.RefreshWarmQueries(ctx)).Info("Warm queries refreshed")
	}

	server := api.NewServer(cfg.HTTPAddr, assembler, store, q, orchestrator, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	logger.Info("Engine running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown")
	}
	sched.Stop()
	cancel()
	q.Stop()
	logger.Info("Goodbye!")
}

// openStore uses Postgres when DATABASE_URL is set and a local SQLite file
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) storage.RunStore {
	if cfg.Database.URL == "" {
		store, err := storage.NewSQLiteStore(cfg.Database.Path, cfg.Engine.MaxPages)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open SQLite")
		}
		logger.WithField("path", cfg.Database.Path).Info("SQLite run store")
		return store
	}

	if err := storage.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logger.WithError(err).Fatal("Migrations failed")
	}
	store, err := storage.NewPostgresStore(ctx, cfg.Database.URL, cfg.Engine.MaxPages)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	logger.WithField("db", maskConnectionString(cfg.Database.URL)).Info("Connected to Postgres")
	return store
}

// openCaches puts both caches on Redis when it is configured and reachable.
func openCaches(cfg *config.Config, logger *logrus.Logger) (*cache.RunCache, *cache.ExternalCache) {
	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.WithField("addr", cfg.Redis.Addr).Info("Caches backed by Redis")
			return cache.NewRunCache(cache.NewRedisBackend[[]models.Listing](client, "runs:"), cfg.Cache.RunTTL, logger),
				cache.NewExternalCache(cache.NewRedisBackend[models.SupplementalResult](client, "external:"), cfg.Cache.ExternalTTL, logger)
		}
		logger.WithError(err).Warn("Redis unavailable, using in-memory caches")
	}
	return cache.NewRunCache(cache.NewMemoryBackend[[]models.Listing](), cfg.Cache.RunTTL, logger),
		cache.NewExternalCache(cache.NewMemoryBackend[models.SupplementalResult](), cfg.Cache.ExternalTTL, logger)
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}

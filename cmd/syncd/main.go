package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/adapter"
	"marketsync/internal/api"
	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/ownership"
	"marketsync/internal/ratelimit"
	"marketsync/internal/repository"
	"marketsync/internal/worker"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	retryPolicy := worker.RetryPolicy{
		MaxAttempts:   cfg.Worker.MaxAttempts,
		InitialDelay:  2 * time.Second,
		MaxDelay:      10 * time.Minute,
		BackoffFactor: 2,
		Jitter:        0.2,
	}
	db.SetQueuePolicy(cfg.Worker.MaxAttempts, retryPolicy.NextDelay)

	if err := seedProducts(cfg, db, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	limiterLogger := logging.Component(logger, "ratelimit")
	limiter := ratelimit.New(db, cfg.RateLimits, limiterLogger)

	bus := events.NewEventBus()

	rebuildLogger := logging.Component(logger, "ownership")
	rebuilder := ownership.NewRebuilder(db, cfg.Ownership.MergeThreshold, rebuildLogger)
	bus.Subscribe(events.EventSnapshotsIngested, rebuilder.HandleSnapshotsIngested)

	if cfg.Ownership.RebuildOnStart {
		if err := rebuilder.RebuildAll(ctx); err != nil {
			logger.Warn().Err(err).Msg("Startup rebuild finished with errors")
		}
	}

	poolLogger := logging.Component(logger, "worker")
	pool := worker.NewPool(db, registry, limiter, bus, cfg.Worker, poolLogger)
	go pool.Start(ctx)

	schedLogger := logging.Component(logger, "scheduler")
	scheduler := worker.NewScheduler(db, cfg.Tenants, schedLogger)
	go scheduler.Start(ctx)

	if cfg.Backup.Enabled {
		backup := database.NewBackupService(cfg.Database.Path, cfg.Backup, logger)
		go backup.Start(ctx)
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		statsRepo := buildStatsRepository(ctx, cfg, logger)
		apiLogger := logging.Component(logger, "api")
		httpServer = api.NewHTTPServer(cfg.API, db, statsRepo, apiLogger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Status API stopped")
			}
		}()
	}

	logger.Info().Msg("Sync engine started")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Status API shutdown failed")
		}
	}

	return nil
}

// buildRegistry binds one adapter per configured marketplace. The default
// check_competitors task type routes to the first configured adapter unless
// a type of the form check_competitors:<name> is registered explicitly.
func buildRegistry(cfg *config.Config, logger *zerolog.Logger) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()

	for i, adapterCfg := range cfg.Adapters {
		a, err := adapter.NewHTTPJSONAdapter(adapterCfg)
		if err != nil {
			return nil, err
		}
		registry.Register(models.TaskTypeCheckCompetitors+":"+adapterCfg.Name, a)
		if i == 0 {
			registry.Register(models.TaskTypeCheckCompetitors, a)
		}
		logger.Info().Str("adapter", adapterCfg.Name).Str("base_url", adapterCfg.BaseURL).Msg("Adapter registered")
	}

	if len(registry.TaskTypes()) == 0 {
		logger.Warn().Msg("No adapters configured; workers will fail fetch tasks")
	}
	return registry, nil
}

func buildStatsRepository(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) domain.StatsRepository {
	memory := repository.NewMemoryStatsRepository(models.StatsCacheTTL * time.Second)
	if !cfg.Redis.Enabled {
		return memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, stats cache runs in memory")
		return memory
	}

	primary := repository.NewRedisStatsRepository(client, models.StatsCacheTTL*time.Second)
	return repository.NewFailoverStatsRepository(primary, memory, logger)
}

func seedProducts(cfg *config.Config, db *database.DB, logger *zerolog.Logger) error {
	ctx := context.Background()
	for i := range cfg.Products {
		p := cfg.Products[i]
		if err := db.UpsertProduct(ctx, &p); err != nil {
			return err
		}
	}
	if len(cfg.Products) > 0 {
		logger.Info().Int("count", len(cfg.Products)).Msg("Tracked products seeded from config")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/ragdoc/internal/adapters/driven/ai"
	"github.com/custodia-labs/ragdoc/internal/adapters/driven/memory"
	"github.com/custodia-labs/ragdoc/internal/adapters/driven/postgres"
	postgresqueue "github.com/custodia-labs/ragdoc/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/ragdoc/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/ragdoc/internal/adapters/driven/redis"
	"github.com/custodia-labs/ragdoc/internal/adapters/driving/cli"
	"github.com/custodia-labs/ragdoc/internal/config"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
	"github.com/custodia-labs/ragdoc/internal/core/services"
	"github.com/custodia-labs/ragdoc/internal/normalisers"
	"github.com/custodia-labs/ragdoc/internal/postprocessors"
	"github.com/custodia-labs/ragdoc/internal/runtime"
	"github.com/custodia-labs/ragdoc/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, bootstrap); err != nil {
		stop()
		os.Exit(1)
	}
}

// bootstrap loads the configuration and wires adapters and services
func bootstrap(ctx context.Context, configPath string) (_ *cli.App, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll()
		}
	}()

	// ===== Embedder and runtime services =====
	embedder, err := ai.NewFactory().CreateEmbeddingService(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	closers = append(closers, embedder.Close)

	rt := runtime.NewServices(cfg.IndexConfig(embedder.Model(), embedder.Dimensions()))
	if err := rt.ValidateAndSetEmbedding(ctx, embedder); err != nil {
		return nil, fmt.Errorf("embedder unavailable: %w", err)
	}
	logger.Debug("embedder ready", "model", embedder.Model(), "dimensions", embedder.Dimensions())

	var (
		store          driven.DocumentStore
		schedulerStore driven.SchedulerStore
		taskQueue      driven.TaskQueue
		lock           driven.DistributedLock
		checks         []cli.HealthCheck
	)

	// ===== Document store (PostgreSQL or in-memory) =====
	switch cfg.Store.Backend {
	case config.StorePostgres:
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, db.Close)
		if err := db.InitSchema(ctx); err != nil {
			return nil, err
		}

		store = postgres.NewDocumentStore(db)
		schedulerStore = postgres.NewSchedulerStore(db)
		taskQueue = postgresqueue.NewQueue(db.DB)
		lock = postgres.NewAdvisoryLock(db)
		checks = append(checks, cli.HealthCheck{Name: "postgres", Check: db.Ping})
		logger.Debug("using postgres store", "queue", "postgres", "lock", "advisory")

	default:
		store = memory.NewDocumentStore()
		schedulerStore = memory.NewSchedulerStore()
		taskQueue = memory.NewTaskQueue()
		logger.Debug("using in-memory store")
	}

	// ===== Redis (optional): task queue and distributed lock =====
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		consumer := fmt.Sprintf("%s-%d", cfg.Redis.ConsumerName, os.Getpid())
		q, err := redisqueue.NewQueue(ctx, client, consumer)
		if err != nil {
			return nil, fmt.Errorf("create task queue: %w", err)
		}
		taskQueue = q
		lock = redisadapter.NewLock(client)
		checks = append(checks, cli.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		logger.Debug("using redis task queue and lock", "consumer", consumer)
	}
	closers = append(closers, taskQueue.Close)
	checks = append(checks, cli.HealthCheck{Name: "queue", Check: taskQueue.Ping})
	if lock != nil {
		checks = append(checks, cli.HealthCheck{Name: "lock", Check: lock.Ping})
	}
	checks = append(checks, cli.HealthCheck{Name: "embedder", Check: embedder.HealthCheck})

	// ===== Vector index, rebuilt from the committed store state =====
	if err := store.(driven.IndexMetaStore).EnsureIndexConfig(ctx, rt.IndexConfig()); err != nil {
		return nil, err
	}
	index, err := memory.NewVectorIndex(rt.IndexConfig())
	if err != nil {
		return nil, err
	}
	closers = append(closers, index.Close)
	if _, err := services.LoadIndex(ctx, store, index, logger); err != nil {
		return nil, err
	}

	pipeline, err := postprocessors.NewChunkPipeline(cfg.ChunkConfig())
	if err != nil {
		return nil, err
	}

	// ===== Services =====
	locks := services.NewKeyedLock()
	ingestion := services.NewIngestionService(services.IngestionServiceConfig{
		Store:           store,
		Index:           index,
		Services:        rt,
		Normalisers:     normalisers.DefaultRegistry(),
		Pipeline:        pipeline,
		TaskQueue:       taskQueue,
		Locks:           locks,
		DistributedLock: lock,
		LockTTL:         cfg.Ingest.LockTTL,
		BatchSize:       cfg.Ingest.BatchSize,
		EmbedTimeout:    cfg.Ingest.EmbedTimeout,
		Logger:          logger,
	})
	retriever := services.NewRetriever(services.RetrieverConfig{
		Store:    store,
		Index:    index,
		Services: rt,
		MaxK:     cfg.Retrieval.MaxK,
		Logger:   logger,
	})
	documents := services.NewDocumentService(services.DocumentServiceConfig{
		Store:           store,
		Index:           index,
		TaskQueue:       taskQueue,
		Locks:           locks,
		DistributedLock: lock,
		LockTTL:         cfg.Ingest.LockTTL,
		Logger:          logger,
	})

	scheduler := services.NewScheduler(services.SchedulerConfig{
		Store:        schedulerStore,
		TaskQueue:    taskQueue,
		Lock:         lock,
		Logger:       logger,
		PollInterval: cfg.Worker.SchedulerInterval,
		LockRequired: cfg.Worker.SchedulerLockRequired,
		StaleAfter:   cfg.Worker.StaleAfter,
	})
	if err := scheduler.EnsureDefaults(ctx, domain.DefaultSchedules(cfg.Worker.ReapInterval)); err != nil {
		return nil, fmt.Errorf("seed schedules: %w", err)
	}
	// schedules stay manageable when the loop is disabled
	var workerScheduler driving.Scheduler
	if cfg.Worker.SchedulerEnabled {
		workerScheduler = scheduler
	}

	tasks := services.NewTaskService(services.TaskServiceConfig{
		TaskQueue: taskQueue,
		Logger:    logger,
	})

	w := worker.NewWorker(worker.WorkerConfig{
		TaskQueue:      taskQueue,
		Ingestion:      ingestion,
		Documents:      documents,
		Scheduler:      workerScheduler,
		Logger:         logger,
		Concurrency:    cfg.Worker.Concurrency,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		StaleAfter:     cfg.Worker.StaleAfter,
	})

	return &cli.App{
		Ingestion:  ingestion,
		Retrieval:  retriever,
		Documents:  documents,
		Schedules:  scheduler,
		Tasks:      tasks,
		Worker:     w,
		Checks:     checks,
		IndexStats: index.Stats,
		Close:      closeAll,
	}, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", domain.ErrInvalidConfig, cfg.Format)
	}
}

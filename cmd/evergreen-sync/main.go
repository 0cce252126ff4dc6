package main

// @title           Evergreen Sync API
// @version         1.0
// @description     Incremental sync engine keeping per-tenant vector and graph indexes consistent with remote sources.

// @BasePath  /
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Operator token. Format: "Bearer {token}"

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/ai"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/auth"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/connectors"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/connectors/microsoft365"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/extractor"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/falkordb"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/postgres"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driven/qdrant"
	postgresqueue "github.com/custodia-labs/evergreen-sync/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/evergreen-sync/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/evergreen-sync/internal/adapters/driven/redis"
	"github.com/custodia-labs/evergreen-sync/internal/adapters/driving/http"
	"github.com/custodia-labs/evergreen-sync/internal/config"
	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/services"
	"github.com/custodia-labs/evergreen-sync/internal/logging"
	"github.com/custodia-labs/evergreen-sync/internal/normalisers"
	"github.com/custodia-labs/evergreen-sync/internal/postprocessors"
	"github.com/custodia-labs/evergreen-sync/internal/runtime"
	"github.com/custodia-labs/evergreen-sync/internal/worker"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("evergreen-sync stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Command line arg overrides RUN_MODE
	if len(os.Args) > 1 {
		cfg.RunMode = os.Args[1]
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, closer := logging.New(os.Stderr, cfg.Log)
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("evergreen-sync starting", "version", version, "mode", cfg.RunMode)

	// Setup context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ===== Initialize PostgreSQL =====
	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	// Initialize schema (idempotent)
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	logger.Info("postgres connected and schema initialized")

	health := runtime.NewServices(2 * time.Second)
	health.Require("postgres", runtime.CheckerFunc(db.Ping))

	// ===== Initialize Redis (optional) =====
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		health.Require("redis", runtime.CheckerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
		logger.Info("redis connected")
	}

	// ===== Coordination state (Redis if available, otherwise PostgreSQL) =====
	var (
		checkpoints driven.CheckpointStore
		retries     driven.RetryQueue
		lock        driven.DistributedLock
		queue       driven.JobQueue
	)
	claimTimeout := cfg.Scheduler.JobTimeout + 5*time.Minute
	if redisClient != nil {
		checkpoints = redisadapter.NewCheckpointStore(redisClient)
		retries = redisadapter.NewRetryQueue(redisClient)
		lock = redisadapter.NewLock(redisClient)
		hostname, _ := os.Hostname()
		rq, err := redisqueue.NewQueue(ctx, redisClient, fmt.Sprintf("%s-%d", hostname, os.Getpid()), claimTimeout)
		if err != nil {
			return fmt.Errorf("create job queue: %w", err)
		}
		queue = rq
		logger.Info("using redis for checkpoints, retries, locks and jobs")
	} else {
		checkpoints = postgres.NewCheckpointStore(db)
		retries = postgres.NewRetryQueue(db)
		lock = postgres.NewAdvisoryLock(db)
		queue = postgresqueue.NewQueue(db.DB, postgresqueue.WithClaimTimeout(claimTimeout))
		logger.Info("using postgres for checkpoints, retries, locks and jobs")
	}
	health.Require("queue", runtime.CheckerFunc(queue.Ping))

	connections := postgres.NewConnectionStore(db)
	jobs := postgres.NewJobStore(db)
	leases := postgres.NewLeaseStore(db)
	entities := postgres.NewEntityStore(db)
	ledger := postgres.NewStaleLedger(db)

	// ===== Index stores =====
	vectors := qdrant.NewVectorStore(qdrant.Config{
		BaseURL:    cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Dimensions: cfg.Qdrant.Dimensions,
	})
	health.Optional("qdrant", vectors)

	falkorOpts, err := redis.ParseURL(cfg.FalkorDB.URL)
	if err != nil {
		return fmt.Errorf("parse falkordb url: %w", err)
	}
	falkorClient := redis.NewClient(falkorOpts)
	defer falkorClient.Close()
	graph := falkordb.NewGraphStore(falkorClient)
	health.Optional("falkordb", graph)

	// ===== Content processing =====
	var extract driven.Extractor
	if cfg.Extractor.URL != "" {
		ec := extractor.NewClient(extractor.Config{BaseURL: cfg.Extractor.URL, Timeout: cfg.Extractor.Timeout})
		health.Optional("extractor", ec)
		extract = ec
	}

	embedder, err := ai.NewFactory().CreateEmbeddingService(&ai.EmbeddingSettings{
		Provider:  ai.Provider(cfg.Embedding.Provider),
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		BatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}
	if checker, ok := embedder.(runtime.Checker); ok {
		health.Optional("embedding", checker)
	}
	logger.Info("content processing configured", "extractor", extract != nil, "embedding", embedder != nil)

	// ===== Connectors =====
	connectorFactory := connectors.NewFactory()
	if key := cfg.CredentialKeyBytes(); key != nil {
		vault, err := postgres.NewCredentialVault(db, key)
		if err != nil {
			return err
		}
		connectorFactory.Register(microsoft365.NewBuilder(microsoft365.Config{
			GraphURL: cfg.Microsoft.GraphURL,
			Resource: cfg.Microsoft.Resource,
		}, vault))
	} else {
		logger.Warn("CREDENTIAL_KEY not set, no connectors registered")
	}

	var clientStates driven.ClientStateIssuer
	if cfg.Microsoft.ClientStateSecret != "" {
		issuer, err := auth.NewClientStateIssuer(cfg.Microsoft.ClientStateSecret)
		if err != nil {
			return err
		}
		clientStates = issuer
	}

	// ===== Services (core business logic) =====
	quotas := make(map[domain.ProviderKind]services.Quota, len(cfg.RateLimits.Providers))
	for kind, q := range cfg.RateLimits.Providers {
		quotas[kind] = services.Quota{RequestsPerSecond: q.RequestsPerSecond, Burst: q.Burst}
	}
	limiter := services.NewRateLimiter(services.RateLimiterConfig{
		Quotas:       quotas,
		DefaultQuota: services.Quota{RequestsPerSecond: cfg.RateLimits.Default.RequestsPerSecond, Burst: cfg.RateLimits.Default.Burst},
		DefaultPause: cfg.RateLimits.DefaultPause,
		Logger:       logger,
	})

	reconciler := services.NewReconciler(services.ReconcilerConfig{
		Checkpoints: checkpoints,
		Limiter:     limiter,
		Logger:      logger,
	})

	resolver := services.NewResolver(services.ResolverConfig{
		Store:          entities,
		Lock:           lock,
		MergeThreshold: cfg.Resolver.MergeThreshold,
		Logger:         logger,
	})

	coordinator := services.NewCoordinator(services.CoordinatorConfig{
		Graph:      graph,
		Vector:     vectors,
		Chunker:    postprocessors.DefaultPipeline(),
		Embedder:   embedder,
		Retries:    retries,
		Ledger:     ledger,
		Lock:       lock,
		MaxRetries: cfg.DualWrite.MaxRetries,
		Interval:   cfg.DualWrite.DrainInterval,
		Logger:     logger,
	})

	pipeline := services.NewDocumentPipeline(services.DocumentPipelineConfig{
		Normalisers: normalisers.DefaultRegistry(),
		Extractor:   extract,
		Resolver:    resolver,
		Coordinator: coordinator,
		Logger:      logger,
	})

	scheduler := services.NewScheduler(services.SchedulerConfig{
		Connections:            connections,
		Jobs:                   jobs,
		Checkpoints:            checkpoints,
		Leases:                 leases,
		Queue:                  queue,
		Lock:                   lock,
		Connectors:             connectorFactory,
		Reconciler:             reconciler,
		Sink:                   pipeline,
		Logger:                 logger,
		Backoff:                domain.Backoff{Base: cfg.Scheduler.BackoffBase, Max: cfg.Scheduler.BackoffMax, Jitter: 0.5},
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		JobTimeout:             cfg.Scheduler.JobTimeout,
		MaxStaleness:           cfg.Lease.MaxStaleness,
		SyncInterval:           cfg.Scheduler.SyncInterval,
		PollInterval:           cfg.Scheduler.PollInterval,
		LockRequired:           cfg.Scheduler.LockRequired,
	})

	leaseManager := services.NewLeaseManager(services.LeaseManagerConfig{
		Leases:           leases,
		Connections:      connections,
		Connectors:       connectorFactory,
		Issuer:           clientStates,
		Scheduler:        scheduler,
		NotificationURL:  cfg.Microsoft.NotificationURL,
		MaxRenewAttempts: cfg.Lease.MaxRenewAttempts,
		SweepInterval:    cfg.Lease.SweepInterval,
		Logger:           logger,
	})
	scheduler.SetLeaseTeardown(leaseManager)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunMode == "api" || cfg.RunMode == "all" {
		server := http.NewServer(http.Config{
			Host:          "0.0.0.0",
			Port:          cfg.Port,
			Version:       version,
			OperatorToken: cfg.OperatorToken,
			Logger:        logger,
		}, scheduler, leaseManager, clientStates, health)
		g.Go(func() error { return server.Start(gctx) })
	}

	if cfg.RunMode == "worker" || cfg.RunMode == "all" {
		var poller worker.Poller
		if cfg.Scheduler.Enabled {
			poller = scheduler
		} else {
			logger.Info("scheduler disabled via SCHEDULER_ENABLED=false")
		}

		w := worker.NewWorker(worker.WorkerConfig{
			Queue:          queue,
			Executor:       scheduler,
			Scheduler:      poller,
			Logger:         logger,
			Concurrency:    cfg.Worker.Concurrency,
			DequeueTimeout: cfg.Worker.DequeueTimeout,
		})

		g.Go(func() error {
			if err := w.Start(gctx); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			coordinator.Start(gctx)
			if cfg.Microsoft.NotificationURL != "" && clientStates != nil {
				leaseManager.Start(gctx)
			} else {
				logger.Warn("webhook leases disabled: notification url or client state secret missing")
			}

			<-gctx.Done()

			logger.Info("stopping worker")
			leaseManager.Stop()
			coordinator.Stop()
			w.Stop()
			logger.Info("worker stopped")
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("evergreen-sync stopped")
	return nil
}

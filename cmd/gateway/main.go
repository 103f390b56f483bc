package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/genroute/config"
	"github.com/vnmchuo/genroute/internal/app"
	"github.com/vnmchuo/genroute/internal/audit"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/metrics"
	"github.com/vnmchuo/genroute/internal/proxy"
	"github.com/vnmchuo/genroute/internal/seeder"
	"github.com/vnmchuo/genroute/internal/telemetry"
	"github.com/vnmchuo/genroute/internal/worker"
	"github.com/vnmchuo/genroute/internal/workflow"
)

const serviceName = "genroute"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat == "json")

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracer")
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect PostgreSQL (optional)
	var usage audit.Store = audit.NewMemoryStore()
	var runs workflow.RunStore
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to connect postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.WithError(err).Fatal("failed to ping postgres")
		}
		if err := seeder.Migrate(ctx, pool, log); err != nil {
			log.WithError(err).Fatal("failed to migrate schema")
		}
		usage = audit.NewPostgresStore(pool)
		runs = workflow.NewPostgresStore(pool)
		log.Info("PostgreSQL connected")
	} else {
		log.Warn("POSTGRES_DSN not set, usage and runs are kept in memory")
	}

	// 4. Connect Redis (optional)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("failed to ping redis")
		}
		log.Info("Redis connected")
	}

	// 5. Event sinks
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := audit.NewRecorder(usage, 0, log)
	sink := events.Multi{metrics.New(promRegistry), events.NewLogSink(log), recorder}

	// 6. Routing and workflow stack
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	stack, err := app.Build(cfg, app.Deps{
		Redis:    rdb,
		RunStore: runs,
		Sink:     sink,
		Tracer:   tracer,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build router")
	}
	for _, d := range stack.Registry.All() {
		log.WithFields(logrus.Fields{"provider": d.Name, "model": d.Model, "configured": d.Configured}).Info("provider registered")
	}

	// 7. Seed demo workflow if RUN_SEED=true
	if cfg.RunSeed {
		seeder.SeedDemoWorkflow(stack.Catalog, log)
	}

	// 8. Background workers
	pool := worker.NewPool(cfg.WorkerQueueSize, cfg.WorkerConcurrency, log)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = pool.Process(ctx)
	}()
	go func() {
		defer wg.Done()
		stack.Limiter.Run(ctx, maintenanceInterval(cfg.MaintenanceInterval))
	}()
	go func() {
		defer wg.Done()
		maintain(ctx, stack, cfg.MaintenanceInterval, log)
	}()

	// 9. HTTP server
	handler := proxy.NewHandler(stack.Router, stack.Engine, stack.Catalog, usage, pool, tracer, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("genroute starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	// 10. Graceful shutdown
	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
	wg.Wait()
	recorder.Close()
	log.Info("Server stopped")
}

// maintain evicts expired cache entries.
func maintain(ctx context.Context, stack *app.Stack, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(maintenanceInterval(interval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if entries := stack.Cache.Sweep(now); entries > 0 {
				log.WithField("cache_entries", entries).Debug("maintenance sweep")
			}
		}
	}
}

func maintenanceInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}

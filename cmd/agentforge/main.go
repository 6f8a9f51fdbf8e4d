package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	afhttp "github.com/Strob0t/AgentForge/internal/adapter/http"
	"github.com/Strob0t/AgentForge/internal/adapter/natsbus"
	"github.com/Strob0t/AgentForge/internal/adapter/natskv"
	otelad "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/adapter/postgres"
	"github.com/Strob0t/AgentForge/internal/adapter/redis"
	"github.com/Strob0t/AgentForge/internal/adapter/ristretto"
	"github.com/Strob0t/AgentForge/internal/adapter/tiered"
	"github.com/Strob0t/AgentForge/internal/adapter/ws"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/middleware"
	"github.com/Strob0t/AgentForge/internal/port/cache"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
	"github.com/Strob0t/AgentForge/internal/resilience"
	"github.com/Strob0t/AgentForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"cache_backend", cfg.Cache.Backend,
		"bus_backend", cfg.Bus.Backend,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	var nb *natsbus.Bus
	if cfg.Bus.Backend == "nats" || cfg.Cache.Backend == "natskv" {
		nb, err = natsbus.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nb.Close() }()
		slog.Info("nats connected")
	}

	var rc *redis.Client
	if cfg.Bus.Backend == "redis" || cfg.Cache.Backend == "redis" {
		rc, err = redis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rc.Close() }()
		slog.Info("redis connected")
	}

	var bus eventbus.Bus
	switch cfg.Bus.Backend {
	case "nats":
		bus = nb
	case "redis":
		bus = redis.NewBus(rc)
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}

	var l2 cache.Cache
	switch cfg.Cache.Backend {
	case "natskv":
		l2, err = natskv.New(ctx, nb.JetStream(), cfg.Cache.Bucket, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
	case "redis":
		l2 = redis.NewCache(rc, cfg.Cache.Bucket+":")
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	sharedCache := tiered.New(l1, l2, cfg.Cache.TTL)

	// --- Telemetry ---

	shutdownMetrics, err := otelad.InitMetrics(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	metrics, err := otelad.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel instruments: %w", err)
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	repo := service.NewAgentRepository(store, sharedCache, bus, breaker, cfg.Cache.TTL, log)

	registry := service.NewAgentRegistry(repo, cfg.Registry, metrics, log)
	if err := registry.Initialize(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer registry.Close()

	queue := service.NewTaskQueue(store, cfg.Queue, log)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer queue.Close()

	orchestrator := service.NewOrchestrator(registry, queue, store, cfg.Orchestrator, metrics, log)
	communicator := service.NewCommunicator(registry, bus, cfg.Communicator, metrics, log)
	orchestrator.SetDispatcher(communicator)
	communicator.SetResultHandler(orchestrator)
	orchestrator.Start()
	defer orchestrator.Close()
	defer communicator.Close()

	// --- HTTP ---

	handlers := &afhttp.Handlers{
		Registry:     registry,
		Queue:        queue,
		Orchestrator: orchestrator,
		Communicator: communicator,
	}
	wsHandler := ws.NewHandler(communicator, log)

	limiter := middleware.NewRateLimiter(50, 100)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(afhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(afhttp.SecurityHeaders)
	r.Use(afhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(otelad.HTTPMiddleware(cfg.Logging.Service))

	afhttp.MountRoutes(r, handlers, wsHandler)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Command api runs the voxflow call orchestration service: the REST surface,
// the provider webhooks, the task executor and the live call streams, all in
// one process. Replicas coordinate through Postgres, Redis and Cloud Tasks;
// nothing here assumes it is the only instance.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxflow/backend/internal/api"
	"github.com/voxflow/backend/internal/auth"
	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/features"
	"github.com/voxflow/backend/internal/handlers"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/metrics"
	"github.com/voxflow/backend/internal/notify"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/routing"
	"github.com/voxflow/backend/internal/store"
	"github.com/voxflow/backend/internal/stream"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	tenantsPath := flag.String("tenants", os.Getenv("TENANT_OVERRIDES_FILE"), "path to the tenant policy overrides file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)

	mgr, err := config.NewManager(cfg, *tenantsPath)
	if err != nil {
		slog.Error("Failed to load tenant overrides", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("🚀 VoxFlow API starting", "env", cfg.Server.Env, "port", cfg.Server.Port)

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()

	// Redis is optional: without it the service degrades to single-replica
	// behavior (in-memory rate limits, no cross-replica stream mirror, no
	// feature cache invalidation).
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("⚠️ Redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		} else {
			slog.Info("✅ Connected to Redis", "addr", cfg.Redis.Addr)
		}
	}

	resolver := features.NewResolver(db)
	if rdb != nil {
		go resolver.SubscribeInvalidations(ctx, rdb)
	}

	hub := stream.NewHub(cfg.Stream, m)
	if rdb != nil {
		bridge := stream.NewRedisBridge(rdb, hub)
		hub.AttachMirror(bridge)
		go bridge.Run(ctx)
	}
	var pubsubMirror *stream.PubSubMirror
	if pm, err := stream.NewPubSubMirror(ctx, cfg.GCP); err != nil {
		slog.Info("Pub/Sub mirror disabled", "reason", err)
	} else {
		pubsubMirror = pm
		hub.AttachMirror(pm)
	}

	registry := provider.NewRegistry()
	registry.Register(provider.NewVapiClient(cfg.Providers))

	var limiter policy.Limiter = policy.NewMemoryLimiter()
	if rdb != nil {
		limiter = policy.NewRedisLimiter(rdb)
	}

	led := ledger.New(m)
	gate := policy.NewGate(m,
		policy.FeatureCheck(mgr, resolver),
		policy.HoursCheck(mgr, db),
		policy.CreditCheck(mgr),
		policy.RateCheck(mgr, limiter),
	)
	dispatcher := dispatch.New(mgr, gate, routing.NewRouter(db, registry), registry,
		led, db, hub, m, cfg.Providers.DialTimeout)
	settler := dispatch.NewSettler(mgr, led, hub, m)

	// Batch intake re-checks feature and dialing window only; credits and
	// rate are enforced per entry when the dispatcher runs it.
	intake := policy.NewGate(m,
		policy.FeatureCheck(mgr, resolver),
		policy.HoursCheck(mgr, db),
	)
	var launcher batch.Launcher
	if tl, err := batch.NewTasksLauncher(ctx, cfg.GCP); err != nil {
		slog.Info("Cloud Tasks launcher disabled, batches run in process", "reason", err)
	} else {
		launcher = tl
		defer tl.Close()
	}
	coordinator := batch.NewCoordinator(mgr, dispatcher, intake, launcher, m)

	listener := notify.New(cfg.Database.URL, cfg.Database.ListenChannels,
		notify.NewDBSource(db), hub, m)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start change listener", "error", err)
		os.Exit(1)
	}

	probes := []handlers.Probe{
		{Name: "database", Check: func(ctx context.Context) error { return db.PingContext(ctx) }},
	}
	if rdb != nil {
		probes = append(probes, handlers.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	server := api.NewServer(api.Deps{
		Cfg:           mgr,
		Stores:        api.NewDBStores(db),
		Auth:          auth.NewMiddleware(db),
		Dispatcher:    dispatcher,
		Settler:       settler,
		Coordinator:   coordinator,
		Hub:           hub,
		Providers:     registry,
		Probes:        probes,
		WebhookSecret: cfg.Providers.WebhookSecret,
		TaskSecret:    cfg.GCP.TaskSecret,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("🛑 Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	}

	// Stop accepting work, then drain what is already in flight. In-process
	// batch runners keep dialing until done or the grace period ends.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown was not clean", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		coordinator.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("⚠️ Batch runners still active at shutdown deadline")
	}

	if err := listener.Close(); err != nil {
		slog.Warn("Change listener close failed", "error", err)
	}
	hub.Close()
	if pubsubMirror != nil {
		if err := pubsubMirror.Close(); err != nil {
			slog.Warn("Pub/Sub mirror close failed", "error", err)
		}
	}

	slog.Info("✅ Server stopped")
}

// setupLogging picks the slog handler for the environment: JSON in
// production for the log pipeline, text everywhere else.
func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/libs/redisx"
	"github.com/md-rashed-zaman/eventrelay/libs/relay"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/services/trip-service/internal/handlers"
	"github.com/md-rashed-zaman/eventrelay/services/trip-service/internal/permissions"
	"github.com/md-rashed-zaman/eventrelay/services/trip-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func instanceID() string {
	if id := strings.TrimSpace(config.String("INSTANCE_ID", "")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

// cacheBackend picks the permission cache. A local LRU only sees this instance's
// revocations synchronously; other instances catch up when they consume
// PermissionChanged.v1. Deployments that name their instances are treated as
// multi-instance and default to the shared Redis cache.
func cacheBackend() string {
	if b := strings.ToLower(strings.TrimSpace(config.String("PERMISSION_CACHE", ""))); b != "" {
		return b
	}
	if strings.TrimSpace(config.String("INSTANCE_ID", "")) != "" {
		return "redis"
	}
	return "local"
}

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "trip-service")
	port, err := config.Port("PORT", "8093")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	autoMigrate, err := config.Bool("DB_AUTO_MIGRATE", true)
	if err != nil {
		panic(err)
	}
	if autoMigrate {
		if err := db.Migrate(migrations.FS, ".", dbURL); err != nil {
			logger.Error("migrations failed", "err", err)
			os.Exit(1)
		}
	}
	pool, err := db.Open(ctx, dbURL, db.Options{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	relayCfg, err := relay.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid relay config", "err", err)
		os.Exit(1)
	}
	node, err := relay.New(pool, logger, relayCfg)
	if err != nil {
		logger.Error("relay init failed", "err", err)
		os.Exit(1)
	}
	readyChecks := node.ReadyChecks()

	ttl, err := config.Duration("PERMISSION_CACHE_TTL", 30*time.Second)
	if err != nil {
		panic(err)
	}
	var cache permissions.Cache
	backend := cacheBackend()
	switch backend {
	case "local":
		if config.String("INSTANCE_ID", "") != "" {
			logger.Warn("local permission cache with several instances: revocations reach other instances only through events")
		}
		size, err := config.Int("PERMISSION_CACHE_SIZE", 10_000)
		if err != nil {
			panic(err)
		}
		cache = permissions.NewLocalCache(size, ttl)
	case "redis":
		redisCfg, err := redisx.ConfigFromEnv()
		if err != nil {
			panic(err)
		}
		rdb, err := redisx.NewClient(redisCfg)
		if err != nil {
			logger.Error("redis client init failed", "err", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		cache = permissions.NewRedisCache(rdb, config.String("PERMISSION_CACHE_PREFIX", "perm"), ttl)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	default:
		logger.Error("unknown PERMISSION_CACHE", "backend", backend)
		os.Exit(1)
	}
	logger.Info("permission cache ready", "backend", backend, "ttl", ttl)

	repo := permissions.NewRepository(pool)
	checker := permissions.NewChecker(repo, cache, logger, nil)
	permService := permissions.NewService(pool, repo, node.Writer, cache, logger)

	dispatcher := node.NewDispatcher(permissions.ConsumerGroupPrefix + instanceID())
	permissions.NewInvalidator(cache).Register(dispatcher)
	if err := node.StartConsumer(ctx, dispatcher); err != nil {
		logger.Error("invalidation consumer failed to start", "err", err)
		os.Exit(1)
	}
	node.StartPublishing(ctx)

	mux := runtime.NewBaseMux(readyChecks...)
	handlers.New(checker, permService, logger).Register(mux)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(16<<10),
		httpx.WithTimeout(10*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "trip")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := runtime.ShutdownContext(10 * time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	node.Shutdown()
	logger.Info("http server stopped")
}

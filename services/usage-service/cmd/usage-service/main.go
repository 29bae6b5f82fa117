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
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/handlers"
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/plans"
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/quota"
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "usage-service")
	port, err := config.Port("PORT", "8092")
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

	period, err := quota.ParsePeriod(config.String("QUOTA_PERIOD", "monthly"))
	if err != nil {
		panic(err)
	}
	defaultLimit, err := config.Int64("QUOTA_DEFAULT_LIMIT", 1000)
	if err != nil {
		panic(err)
	}

	var store quota.Store
	switch backend := strings.ToLower(config.String("QUOTA_BACKEND", "postgres")); backend {
	case "postgres":
		store = quota.NewPostgresStore(pool)
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
		store = quota.NewRedisStore(rdb, config.String("QUOTA_REDIS_PREFIX", "quota"))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	default:
		logger.Error("unknown QUOTA_BACKEND", "backend", backend)
		os.Exit(1)
	}
	counter := quota.NewCounter(store, quota.NewLimits(pool, defaultLimit), logger, quota.CounterConfig{Period: period})
	logger.Info("quota counter ready", "period", period, "default_limit", defaultLimit)

	dispatcher := node.NewDispatcher(quota.ConsumerGroup)
	quota.NewLimitProjector(logger).Register(dispatcher)
	if err := node.StartConsumer(ctx, dispatcher); err != nil {
		logger.Error("limit consumer failed to start", "err", err)
		os.Exit(1)
	}
	node.StartPublishing(ctx)

	mux := runtime.NewBaseMux(readyChecks...)
	handlers.New(counter, plans.NewService(pool, node.Writer), logger).Register(mux)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(16<<10),
		httpx.WithTimeout(10*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "usage")
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

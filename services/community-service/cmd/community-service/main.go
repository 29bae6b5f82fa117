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
	"github.com/md-rashed-zaman/eventrelay/libs/relay"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/handlers"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/scores"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/votes"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "community-service")
	port, err := config.Port("PORT", "8091")
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

	aggregator := scores.NewAggregator()
	voteService := votes.NewService(pool, votes.NewRepository(), node.Writer)
	switch mode := strings.ToLower(config.String("SCORES_APPLY_MODE", "event")); mode {
	case "direct":
		voteService.WithDirectApply(aggregator)
		logger.Info("score aggregate applied in the vote transaction")
	case "event":
		dispatcher := node.NewDispatcher(scores.ConsumerGroup)
		aggregator.Register(dispatcher)
		if err := node.StartConsumer(ctx, dispatcher); err != nil {
			logger.Error("score consumer failed to start", "err", err)
			os.Exit(1)
		}
	default:
		logger.Error("unknown SCORES_APPLY_MODE", "mode", mode)
		os.Exit(1)
	}
	node.StartPublishing(ctx)

	scoreRepo := scores.NewRepository(pool)
	interval, err := config.Duration("SCORES_RECONCILE_INTERVAL", 10*time.Minute)
	if err != nil {
		panic(err)
	}
	tolerance, err := config.Int64("SCORES_DRIFT_TOLERANCE", 0)
	if err != nil {
		panic(err)
	}
	lockKey, err := config.Int64("SCORES_RECONCILE_LOCK_KEY", 7301)
	if err != nil {
		panic(err)
	}
	reconciler := scores.NewReconciler(scoreRepo, func(ctx context.Context) (func(), bool, error) {
		return db.TryAdvisoryLock(ctx, pool, lockKey)
	}, logger, scores.ReconcilerConfig{Interval: interval, DriftTolerance: tolerance})
	node.Go(ctx, reconciler.Task())

	mux := runtime.NewBaseMux(node.ReadyChecks()...)
	handlers.New(voteService, scoreRepo, reconciler, logger).Register(mux)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(10*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "community")
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

// Command server starts the tutoring pipeline HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	airreal "github.com/studyloop/tutor-pipeline/internal/adapter/ai/real"
	aistub "github.com/studyloop/tutor-pipeline/internal/adapter/ai/stub"
	"github.com/studyloop/tutor-pipeline/internal/adapter/httpserver"
	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/adapter/queue/rabbitmq"
	"github.com/studyloop/tutor-pipeline/internal/adapter/repo/postgres"
	"github.com/studyloop/tutor-pipeline/internal/adapter/statusstore/redisstore"
	"github.com/studyloop/tutor-pipeline/internal/app"
	"github.com/studyloop/tutor-pipeline/internal/config"
	"github.com/studyloop/tutor-pipeline/internal/domain"
	"github.com/studyloop/tutor-pipeline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	store := redisstore.New(rdb)

	topo := rabbitmq.Topology{
		Exchange:        cfg.Exchange,
		DeadLetterExch:  cfg.DeadLetterExch,
		DelayedExchange: cfg.DelayedExchange,
	}
	broker := rabbitmq.NewBrokerClient(cfg.AMQPURL, "tutor-pipeline-server", topo)
	defer func() { _ = broker.Close() }()
	if err := broker.EnsureTopology(ctx); err != nil {
		slog.Error("broker topology setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	publisher := rabbitmq.NewPublisher(broker, domain.RetryPolicy{
		MaxAttempts:  cfg.PublishMaxAttempts,
		InitialDelay: cfg.PublishInitialDelay,
		MaxDelay:     cfg.PublishMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	})

	var aiClient domain.AIClient
	if cfg.OpenAIAPIKey == "" && cfg.IsDev() {
		slog.Warn("no OpenAI API key configured, using deterministic stub client")
		aiClient = aistub.New()
	} else {
		aiClient = airreal.New(cfg)
	}

	quizSvc := usecase.NewQuizService(publisher, store, cfg.StatusTTL)

	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, rdb, broker)
	srv := httpserver.NewServer(cfg, quizSvc, aiClient, dbCheck, redisCheck, brokerCheck)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Router())

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// Command worker runs the pipeline stage consumers: quiz generation, answer
// evaluation, mastery assessment, and the dead-letter watcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	airreal "github.com/studyloop/tutor-pipeline/internal/adapter/ai/real"
	aistub "github.com/studyloop/tutor-pipeline/internal/adapter/ai/stub"
	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/adapter/queue/rabbitmq"
	"github.com/studyloop/tutor-pipeline/internal/adapter/repo/postgres"
	"github.com/studyloop/tutor-pipeline/internal/adapter/statusstore/redisstore"
	"github.com/studyloop/tutor-pipeline/internal/config"
	"github.com/studyloop/tutor-pipeline/internal/domain"
	"github.com/studyloop/tutor-pipeline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo domain.EvaluationRepository
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Warn("audit database unavailable, evaluations will not be persisted", slog.Any("error", err))
	} else {
		defer pool.Close()
		evalRepo := postgres.NewEvalRepo(pool)
		if err := evalRepo.EnsureSchema(ctx); err != nil {
			slog.Error("audit schema setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		repo = evalRepo
	}

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
	broker := rabbitmq.NewBrokerClient(cfg.AMQPURL, "tutor-pipeline-worker", topo)
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

	genHandler := usecase.NewGenerationHandler(aiClient, store, cfg.StatusTTL, cfg.FailedStatusTTL)
	evalHandler := usecase.NewEvaluationHandler(aiClient, store, repo, publisher, cfg.StatusTTL, cfg.FailedStatusTTL)
	assessHandler := usecase.NewAssessmentHandler(store, publisher, cfg.StatusTTL, cfg.FollowUpDelay)

	consumers := []*rabbitmq.Consumer{
		rabbitmq.NewConsumer(cfg.AMQPURL, "tutor-worker-generation", topo, rabbitmq.StageGeneration,
			cfg.Prefetch, cfg.ConsumerConcurrency, cfg.WorkerShutdownGrace, genHandler.Handle),
		rabbitmq.NewConsumer(cfg.AMQPURL, "tutor-worker-evaluation", topo, rabbitmq.StageEvaluation,
			cfg.Prefetch, cfg.ConsumerConcurrency, cfg.WorkerShutdownGrace, evalHandler.Handle),
		rabbitmq.NewConsumer(cfg.AMQPURL, "tutor-worker-assessment", topo, rabbitmq.StageAssessment,
			cfg.Prefetch, cfg.ConsumerConcurrency, cfg.WorkerShutdownGrace, assessHandler.Handle),
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *rabbitmq.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer exited", slog.Any("error", err))
			}
		}(c)
	}

	dlq := rabbitmq.NewDLQConsumer(cfg.AMQPURL, "tutor-worker-dlq", topo)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dlq.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dlq consumer exited", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
	wg.Wait()
	slog.Info("worker stopped")
}

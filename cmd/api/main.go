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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/aicwd/internal/app/migrate"
	httpx "github.com/splax/aicwd/internal/http"
	"github.com/splax/aicwd/internal/platform/augment"
	"github.com/splax/aicwd/internal/platform/groq"
	"github.com/splax/aicwd/internal/platform/transform"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/repository/memory"
	"github.com/splax/aicwd/internal/repository/postgres"
	"github.com/splax/aicwd/internal/service/campaign"
	"github.com/splax/aicwd/internal/service/logs"
	"github.com/splax/aicwd/internal/service/stream"
	"github.com/splax/aicwd/internal/telemetry"
	"github.com/splax/aicwd/internal/ws"
	"github.com/splax/aicwd/pkg/config"
	"github.com/splax/aicwd/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// store is the persistence surface the API needs from either backend.
type store interface {
	repository.LogRepository
	repository.CampaignRepository
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = connectRedis(ctx, cfg)
		if err != nil {
			if cfg.TransformMode == config.TransformRedis {
				return err
			}
			log.Warn("redis unavailable, using in-memory rate limiter", "error", err)
		} else {
			defer redisClient.Close()
		}
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	logSvc := logs.New(repo, metrics)

	redTeam, custom := campaign.ParseConfig(cfg.RedTeamConfigJSON, cfg.AugmentEndpoint)
	log.Info("red team corpus loaded", "prompts", len(redTeam.Prompts), "custom", custom, "model_endpoint", redTeam.ModelEndpoint)

	var generator campaign.Generator
	groqClient, err := groq.New(groq.Config{
		APIKey:            cfg.GroqAPIKey,
		BaseURL:           cfg.GroqBaseURL,
		Timeout:           cfg.GroqTimeout,
		RequestsPerSecond: cfg.GroqRequestsPerSecond,
	})
	if err != nil {
		log.Warn("generation model unavailable, campaigns will fail", "error", err)
		generator = campaign.Unavailable(err)
	} else {
		generator = groqClient
	}

	trigger := newTrigger(cfg, redisClient)
	progressHub := ws.NewHub()
	defer progressHub.Close()

	orchestrator := campaign.NewOrchestrator(campaign.OrchestratorConfig{
		Runs:      repo,
		Logs:      logSvc,
		Generator: generator,
		Augmenter: augment.New(redTeam.ModelEndpoint, cfg.AugmentTimeout),
		Trigger:   trigger,
		Publisher: progressHub,
		Prompts:   redTeam.Prompts,
		Metrics:   metrics,
		Logger:    log,
	})
	queue := campaign.NewQueue(orchestrator, cfg.CampaignQueueSize, cfg.CampaignDrainTimeout, log)
	campaignSvc := campaign.NewService(repo, queue, progressHub, len(redTeam.Prompts), cfg.GroqModel, log)

	distributor := stream.New(logSvc, stream.Config{
		Interval:   cfg.StreamInterval,
		Window:     cfg.StreamWindow,
		Heartbeat:  cfg.StreamHeartbeat,
		Buffer:     cfg.StreamBuffer,
		Thresholds: redTeam.Thresholds,
	}, metrics, log)

	var limiter httpx.RateLimiter
	if redisClient != nil {
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	} else {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Logs:        logSvc,
		Campaigns:   campaignSvc,
		Stream:      distributor,
		Transform:   trigger,
		Thresholds:  redTeam.Thresholds,
		Telemetry:   metrics,
		Limiter:     limiter,
		RateLimit:   cfg.RateLimitPerMinute,
		IngestToken: cfg.IngestToken,
		AllowOrigin: cfg.CORSAllowOrigin,
		Heartbeat:   cfg.StreamHeartbeat,
		DBHealth:    repo.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return queue.Run(groupCtx)
	})
	group.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		router.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		return memory.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	repo := postgres.New(pool)
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}
	if cfg.AutoMigrate {
		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return repo, pool.Close, nil
}

func connectRedis(ctx context.Context, cfg config.APIConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func newTrigger(cfg config.APIConfig, client *redis.Client) campaign.Trigger {
	switch cfg.TransformMode {
	case config.TransformHTTP:
		return transform.NewWebhook(cfg.TransformURL, cfg.TransformTimeout)
	case config.TransformRedis:
		return transform.NewQueue(client, cfg.TransformRedisKey)
	default:
		return transform.NewNoop()
	}
}

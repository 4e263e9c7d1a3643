package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"comicstudio/internal/adapter/repo"
	"comicstudio/internal/billing"
	"comicstudio/internal/domain"
	"comicstudio/internal/generation"
	"comicstudio/internal/http/handlers"
	"comicstudio/internal/http/httpapi"
	"comicstudio/internal/infra"
	"comicstudio/internal/pipeline"
	"comicstudio/internal/poller"
	"comicstudio/internal/providers/qwen"
	"comicstudio/internal/providers/synthetic"
	"comicstudio/internal/ratelimit"
	"comicstudio/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig(ctx)
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	sqlRunner := infra.NewSQLRunner(dbpool, logger)

	jobs, err := newJobClient(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init job client")
	}

	var store domain.ArtifactStore
	staticDir := ""
	switch cfg.Storage.Driver {
	case "s3":
		store, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.Storage.Endpoint,
			Region:        cfg.Storage.Region,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			UseSSL:        cfg.Storage.UseSSL,
			PublicBaseURL: cfg.Storage.BaseURL,
		})
	default:
		var fs *storage.FileStore
		fs, err = storage.NewFileStore(cfg.Storage.BasePath, cfg.Storage.BaseURL)
		store, staticDir = fs, fs.BasePath()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to init artifact store")
	}

	reconciler := billing.New(repo.NewLedger(sqlRunner), infra.Component(&logger, "billing"))
	pl, err := pipeline.New(pipeline.Deps{
		Jobs: jobs,
		Poller: poller.New(jobs, poller.Options{
			Interval:           cfg.Poller.Interval,
			Timeout:            cfg.Poller.Timeout,
			MaxTransportErrors: cfg.Poller.MaxTransportErrors,
			BackoffStart:       cfg.Poller.BackoffStart,
			BackoffMax:         cfg.Poller.BackoffMax,
			Logger:             infra.Component(&logger, "poller"),
		}),
		Store:   store,
		Scenes:  repo.NewComicRepository(sqlRunner),
		Billing: reconciler,
		Logger:  infra.Component(&logger, "pipeline"),
	}, pipeline.Options{
		MaxUnits:  cfg.Pipeline.MaxScenes,
		Workers:   cfg.Pipeline.Workers,
		CacheSize: cfg.Pipeline.CacheSize,
		Costs: pipeline.Costs{
			Scene: cfg.Billing.SceneCost,
			Image: cfg.Billing.ImageCost,
			Retry: cfg.Billing.RetryCost,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init pipeline")
	}
	defer pl.Close()

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerMin, time.Minute)
	redisClient, err := infra.NewRedisClient(ctx, cfg.RedisAddr)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("redis unavailable, rate limiting per process")
	case redisClient != nil:
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitPerMin, time.Minute)
	}

	app := handlers.NewApp(generation.New(pl, reconciler, &logger), logger, cfg.AllowedOrigins)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		StaticDir:      staticDir,
	})

	// Request contexts outlive the signal so in-flight runs can finish
	// during the shutdown grace period.
	baseCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	server := infra.NewHTTPServer(baseCtx, cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	cancelRequests()
	logger.Info().Msg("server stopped")
}

func newJobClient(cfg *infra.Config, logger *infra.Logger) (domain.JobClient, error) {
	if cfg.Qwen.APIKey == "" {
		logger.Warn().Msg("QWEN_API_KEY not set, using synthetic job client")
		return synthetic.NewClient(synthetic.Options{Logger: infra.Component(logger, "synthetic")}), nil
	}
	return qwen.NewClient(qwen.Options{
		APIKey:      cfg.Qwen.APIKey,
		BaseURL:     cfg.Qwen.BaseURL,
		Model:       cfg.Qwen.Model,
		DefaultSize: cfg.Qwen.Size,
		Logger:      infra.Component(logger, "qwen"),
	})
}

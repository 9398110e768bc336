package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/dunamismax/pixelprompt/internal/api"
	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/ratelimit"
	"github.com/dunamismax/pixelprompt/internal/storage"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/dunamismax/pixelprompt/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := telemetry.NewLogger("pixelprompt-api", cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelprompt-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("start image backend")
	}
	defer pipeline.Shutdown()

	editor, err := pipeline.NewEditorFromFile(cfg.Editor.RulesFile, pipeline.Options{
		JPEGQuality: cfg.Editor.JPEGQuality,
		MaxPixels:   cfg.Editor.MaxPixels,
	}, pipeline.Limits{
		MaxImageBytes:       cfg.Editor.MaxImageBytes,
		MaxInstructionBytes: cfg.Editor.MaxInstructionBytes,
	})
	if err != nil {
		logger.WithError(err).Fatal("build editor")
	}

	edits, closeStore := openEditStore(ctx, cfg.Database, logger)
	defer closeStore()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.WithError(err).Warn("queue client close failed")
		}
	}()

	opts := api.Options{
		Logger:         logger,
		Editor:         editor,
		Queue:          queueClient,
		Edits:          edits,
		Tracer:         otel.Tracer("pixelprompt/api"),
		PresignTTL:     cfg.API.PresignTTL,
		UserIDHeader:   cfg.API.UserIDHeader,
		AllowedOrigins: cfg.API.AllowedOrigins,
		LocalInputDir:  cfg.Worker.LocalInputDir,
	}
	if objects := openStorage(ctx, cfg.Storage, logger); objects != nil {
		opts.Storage = objects
	}
	if cfg.RateLimit.Enabled {
		limiter, closeLimiter := openRateLimiter(ctx, cfg, logger)
		defer closeLimiter()
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.WithError(err).Fatal("build api server")
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.API.Addr,
			"model":    editor.ModelLabel(),
			"keywords": len(editor.Keywords()),
		}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
}

func openEditStore(ctx context.Context, cfg config.DatabaseConfig, logger logrus.FieldLogger) (store.EditStore, func()) {
	if cfg.DSN == "" {
		logger.Info("using in-memory edit store")
		return store.NewMemoryEditStore(), func() {}
	}
	pg, err := store.NewPostgresEditStore(ctx, cfg.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open postgres edit store")
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.WithError(err).Warn("postgres close failed")
		}
	}
}

// openStorage returns nil when object storage cannot be reached. Inline
// edits keep working; presigned jobs answer 500.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) *storage.Client {
	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage disabled")
		return nil
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.EnsureBucket(ensureCtx); err != nil {
		logger.WithError(err).WithField("bucket", cfg.Bucket).Warn("object storage disabled")
		return nil
	}
	return client
}

// openRateLimiter prefers the shared Redis bucket and falls back to a
// per-process one when Redis does not answer.
func openRateLimiter(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (ratelimit.Limiter, func()) {
	rdb := redis.NewClient(cfg.Queue.RedisOptions())
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err == nil {
		limiter, err := ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		if err == nil {
			return limiter, func() { _ = rdb.Close() }
		}
		logger.WithError(err).Warn("redis rate limiter unavailable")
	} else {
		logger.WithError(err).Warn("redis unreachable, rate limiting per process")
	}
	_ = rdb.Close()

	limiter, err := ratelimit.NewLocalTokenBucket(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		logger.WithError(err).Fatal("build rate limiter")
	}
	return limiter, func() {}
}

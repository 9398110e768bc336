package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/events"
	"github.com/dunamismax/pixelprompt/internal/pipeline"
	"github.com/dunamismax/pixelprompt/internal/storage"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/dunamismax/pixelprompt/internal/telemetry"
	"github.com/dunamismax/pixelprompt/internal/webhook"
	"github.com/dunamismax/pixelprompt/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := telemetry.NewLogger("pixelprompt-worker", cfg.Log.Level, cfg.Log.Format)
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelprompt-worker",
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

	opts := worker.Options{
		Logger: logger,
		Queue:  cfg.Queue,
		Worker: cfg.Worker,
		Editor: editor,
		Webhooks: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
	}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresEditStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.WithError(err).Fatal("open postgres edit store")
		}
		defer pg.Close()
		opts.Edits = pg
	} else {
		logger.Warn("POSTGRES_DSN is empty; edit status updates are not shared with the api")
	}

	objects, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage disabled; only local_file edits will run")
	} else {
		opts.Storage = objects
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.WithError(err).Fatal("build kafka publisher")
		}
		defer publisher.Close()
		opts.Events = publisher
		logger.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   publisher.Topic(),
		}).Info("publishing edit events")
	}

	srv, err := worker.NewServer(opts)
	if err != nil {
		logger.WithError(err).Fatal("build worker")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	defer metricsServer.Close()

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"model":           editor.ModelLabel(),
	}).Info("starting worker")

	if err := srv.Run(); err != nil {
		logger.WithError(err).Fatal("worker failed")
	}
}

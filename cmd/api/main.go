package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"refflow/api/internal/app"
	"refflow/api/internal/archive"
	"refflow/api/internal/cms"
	"refflow/api/internal/config"
	"refflow/api/internal/email"
	"refflow/api/internal/export"
	"refflow/api/internal/metrics"
	"refflow/api/internal/notify"
	"refflow/api/internal/store"
	"refflow/api/internal/syncq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("api not started", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	deps := app.Deps{
		Metrics:  m,
		Logger:   logger,
		Settings: app.Settings{InviteTTL: cfg.InviteTTL},
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL is empty, using the in-memory store")
		deps.Store = store.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{})
		if err != nil {
			return err
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "migrations", applied)
		}
		deps.Store = store.NewPostgresStore(db)
	}

	var mirror interface {
		syncq.Mirror
		Fetch(ctx context.Context, key string) ([]byte, error)
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := cms.NewMeiliMirror(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		mirror = meili
		deps.Checks = append(deps.Checks, app.ReadinessCheck{Name: "mirror", Check: func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unhealthy")
			}
			return nil
		}})
	} else {
		logger.Warn("MEILI_URL is empty, mirroring to memory")
		mirror = cms.NewMemoryMirror()
	}
	deps.Legacy = mirror

	var queue syncq.RetryQueue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisQueue, err := syncq.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisQueue.Close()
		queue = redisQueue
		deps.Checks = append(deps.Checks, app.ReadinessCheck{Name: "retry_queue", Check: redisQueue.Ping})
	} else {
		queue = syncq.NewMemoryQueue()
	}
	synchronizer := syncq.New(mirror, queue, syncq.Options{
		Timeout:     cfg.SyncTimeout,
		MaxAttempts: cfg.SyncMaxAttempts,
		Buffer:      cfg.SyncBuffer,
	}, logger, m)
	deps.Sync = synchronizer

	var sink archive.Sink
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioSink, err := archive.NewMinioSink(ctx, archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		sink = minioSink
	} else {
		logger.Warn("MINIO_ENDPOINT is empty, archive snapshots are kept in memory")
		sink = archive.NewMemorySink()
	}
	deps.Archive = archive.New(sink, 30*time.Second, logger)

	var sender notify.Sender
	if cfg.SMTPConfigured() {
		sender = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			Timeout:  cfg.NotifyTimeout,
		})
	} else {
		logger.Warn("SMTP is not configured, notifications are skipped")
	}
	bus := notify.NewBus(sender, notify.Options{
		Timeout:       cfg.NotifyTimeout,
		RatePerMinute: cfg.NotifyRatePerMinute,
		Buffer:        cfg.NotifyBuffer,
		InviteBaseURL: cfg.InviteBaseURL,
		InviteTTL:     cfg.InviteTTL,
	}, logger, m)
	deps.Notify = bus

	deps.Export = export.NewService(0, cfg.ExportDOCXReference)

	service := app.New(deps)

	scheduler := cron.New()
	if err := synchronizer.Schedule(scheduler, cfg.SyncDrainSchedule); err != nil {
		return err
	}
	if err := service.ScheduleExpirySweep(scheduler, cfg.ExpirySweepSchedule); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin, cfg.IdentityJWTSecret, logger, m).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("refflow API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error { return synchronizer.Run(groupCtx) })
	group.Go(func() error { return bus.Run(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

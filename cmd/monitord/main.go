package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"socialwatch/internal/api"
	"socialwatch/internal/archive"
	"socialwatch/internal/config"
	"socialwatch/internal/extract"
	"socialwatch/internal/jobs"
	"socialwatch/internal/logging"
	"socialwatch/internal/models"
	"socialwatch/internal/monitor"
	"socialwatch/internal/notify"
	"socialwatch/internal/quota"
	"socialwatch/internal/store"
	"socialwatch/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New("monitord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	watch, err := config.LoadWatchConfig(cfg.WatchConfigPath)
	if err != nil {
		logger.WithError(err).Fatal("load watch config")
	}
	if len(watch.Providers) == 0 {
		logger.Fatal("watch config declares no providers")
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.WithError(err).Fatal("migrations")
	}

	for _, e := range watch.Entities {
		if _, err := st.UpsertEntity(ctx, store.SeedEntity{
			ExternalID: e.ExternalID,
			Provider:   e.Provider,
			ConfigID:   e.ConfigID,
			Name:       e.Name,
			Frequency:  time.Duration(e.Frequency),
			Thresholds: *e.Thresholds,
		}); err != nil {
			logger.WithError(err).WithField("entity", e.ExternalID).Fatal("seed entity")
		}
	}

	tracker := quota.NewTracker(quota.BackoffPolicy{
		Base:       cfg.BackoffBase,
		Multiplier: cfg.BackoffMultiplier,
		Cap:        cfg.BackoffCap,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pacer := quota.NewHourlyLimiter(redisClient, 2*time.Hour)

	var archiver extract.Archiver
	if a, err := archive.NewS3Archiver(ctx, cfg); err != nil {
		logger.WithError(err).Fatal("init snapshot archiver")
	} else if a != nil {
		archiver = a
	}

	worker := extract.NewWorker(tracker, pacer, st, archiver, cfg.FetchTimeout, logger)
	for _, p := range watch.Providers {
		var fetcher extract.ContentFetcher
		switch p.Provider {
		case models.ProviderFacebook:
			fetcher = extract.NewFacebookFetcher(p.BaseURL, p.AccessToken, cfg.FetchTimeout)
		case models.ProviderTwitter:
			fetcher = extract.NewTwitterFetcher(p.BaseURL, p.AccessToken, cfg.FetchTimeout)
		default:
			logger.WithField("provider", p.Provider).Fatal("unknown provider type")
		}
		worker.Register(p.ID, extract.Registration{Fetcher: fetcher, Limits: p.Limits})
	}

	queue := jobs.New(jobs.Options{
		Workers:           cfg.WorkerPoolSize,
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           tracker.ComputeBackoff,
		AttemptBudget:     cfg.AttemptBudget,
		TerminalRetention: cfg.TerminalRetention,
		Logger:            logger,
		OnTerminal: func(snap jobs.Snapshot) {
			switch snap.State {
			case jobs.StateSucceeded:
				telemetry.JobsSucceeded.Inc()
			case jobs.StateFailed:
				telemetry.JobsFailed.Inc()
			}
			entityID := ""
			if p, ok := snap.Payload.(extract.Payload); ok {
				entityID = p.Entity.ID
			}
			outCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.RecordJobOutcome(outCtx, models.JobOutcome{
				JobID:      snap.ID,
				EntityID:   entityID,
				State:      snap.State,
				Attempts:   snap.Attempt,
				ItemsSaved: snap.Progress.ProcessedCount,
				LastError:  snap.LastErr,
				FinishedAt: time.Now(),
			}); err != nil {
				logger.WithError(err).WithField("job_id", snap.ID).Warn("record job outcome")
			}
		},
	})
	queue.RegisterHandler(extract.JobType, worker.Handle)
	events := queue.Subscribe()
	go func() {
		for ev := range events {
			if ev.State == jobs.StatePending && ev.Err != "" {
				telemetry.JobsRetried.Inc()
			}
		}
	}()
	queue.Start(ctx)

	var notifier notify.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifier = notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	} else {
		logger.Warn("telegram not configured, alerts go to the log")
		notifier = &notify.LogNotifier{Logger: logger}
	}

	loop := monitor.New(st, queue, notifier, monitor.Options{
		Interval:     cfg.CycleInterval,
		CycleTimeout: cfg.CycleTimeout,
		Logger:       logger,
	})
	go loop.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	server := api.New(loop, queue, tracker, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	go func() {
		logger.WithField("port", cfg.HTTPPort).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	queue.Wait()
}

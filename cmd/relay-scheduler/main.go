package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/relay/pkg/analytics"
	"github.com/platinummonkey/relay/pkg/config"
	"github.com/platinummonkey/relay/pkg/experiments"
	"github.com/platinummonkey/relay/pkg/observability"
	"github.com/platinummonkey/relay/pkg/scheduler"
	"github.com/platinummonkey/relay/pkg/storage/postgres"
)

var (
	runOnce    = flag.Bool("run-once", false, "Run one lifecycle sweep and exit (for testing)")
	exportDate = flag.String("export-date", "", "Also export stats for this date (YYYY-MM-DD). Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.InfoLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.ParseLogLevel(), os.Stdout)
	ctx := context.Background()

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer cm.Close()

	// No definition cache here; API instances pick up scheduler transitions
	// when their cached definitions expire.
	service := experiments.NewPostgresService(cm.Primary(), nil, logger, nil)

	var exporter scheduler.StatsExporter
	if cfg.Export.Enabled {
		s3Client, err := analytics.NewS3Client(ctx, analytics.S3Config{
			Bucket:       cfg.Export.Bucket,
			Region:       cfg.Export.Region,
			Endpoint:     cfg.Export.Endpoint,
			AccessKey:    cfg.Export.AccessKey,
			SecretKey:    cfg.Export.SecretKey,
			UsePathStyle: cfg.Export.UsePathStyle,
		})
		if err != nil {
			logger.WithError(err).Error("failed to initialize stats export")
			os.Exit(1)
		}
		exporter = analytics.NewExporter(cm.Primary(), s3Client, logger)
	}

	sched := scheduler.New(service, exporter, logger, scheduler.Options{
		SweepSchedule:  cfg.Scheduler.SweepSchedule,
		ExportSchedule: cfg.Scheduler.ExportSchedule,
		JobTimeout:     cfg.Scheduler.JobTimeout,
	})

	if *runOnce {
		sched.RunSweepOnce(ctx)
		if *exportDate != "" && exporter != nil {
			date, err := time.Parse("2006-01-02", *exportDate)
			if err != nil {
				logger.WithError(err).Error("invalid export date")
				os.Exit(1)
			}
			if err := exporter.ExportDailyStats(ctx, date); err != nil {
				logger.WithError(err).Error("stats export failed")
				os.Exit(1)
			}
		}
		logger.Info("run-once sweep complete")
		return
	}

	if err := sched.Start(); err != nil {
		logger.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("scheduler stop failed")
		os.Exit(1)
	}
}

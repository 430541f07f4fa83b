package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/relay/pkg/experiments"
	"github.com/platinummonkey/relay/pkg/observability"
)

// ExperimentStore is the subset of the experiments service the scheduler
// drives
type ExperimentStore interface {
	ListDueForStart(ctx context.Context) ([]*experiments.Experiment, error)
	ListDueForConclusion(ctx context.Context) ([]*experiments.Experiment, error)
	StartExperiment(ctx context.Context, workspaceID, id int64) (*experiments.Experiment, error)
	ConcludeExperiment(ctx context.Context, workspaceID, id int64, req *experiments.ConcludeExperimentRequest) (*experiments.Experiment, error)
}

// StatsExporter exports a daily stats snapshot for external analysis
type StatsExporter interface {
	ExportDailyStats(ctx context.Context, date time.Time) error
}

// Scheduler runs the periodic lifecycle sweep and stats export jobs
type Scheduler struct {
	store    ExperimentStore
	exporter StatsExporter
	logger   *observability.Logger
	cron     *cron.Cron

	sweepSchedule  string
	exportSchedule string
	jobTimeout     time.Duration
}

// Options configures the scheduler's cron expressions
type Options struct {
	// SweepSchedule controls the lifecycle sweep; defaults to every minute.
	SweepSchedule string
	// ExportSchedule controls the daily stats export; defaults to 00:05 UTC.
	ExportSchedule string
	// JobTimeout bounds each job run; defaults to 5 minutes.
	JobTimeout time.Duration
}

// New creates a scheduler. The exporter may be nil to disable stats export.
func New(store ExperimentStore, exporter StatsExporter, logger *observability.Logger, opts Options) *Scheduler {
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "* * * * *"
	}
	if opts.ExportSchedule == "" {
		opts.ExportSchedule = "5 0 * * *"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		store:          store,
		exporter:       exporter,
		logger:         logger,
		cron:           cron.New(),
		sweepSchedule:  opts.SweepSchedule,
		exportSchedule: opts.ExportSchedule,
		jobTimeout:     opts.JobTimeout,
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.runSweep); err != nil {
		return err
	}
	if s.exporter != nil {
		if _, err := s.cron.AddFunc(s.exportSchedule, s.runExport); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"sweep_schedule":  s.sweepSchedule,
		"export_schedule": s.exportSchedule,
	}).Info("scheduler started")
	return nil
}

// Stop stops the cron loop and waits for in-flight jobs to finish
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSweepOnce runs one lifecycle sweep immediately. Used by the run-once
// flag and by tests.
func (s *Scheduler) RunSweepOnce(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	s.sweep(ctx)
}

// sweep starts due draft experiments and concludes expired ones. Each
// experiment is handled independently so one bad row cannot stall the rest;
// failed transitions are retried naturally on the next tick.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDueForStart(ctx)
	if err != nil {
		s.logger.WithError(err).Error("lifecycle sweep: listing due starts failed")
	}
	for _, exp := range due {
		if _, err := s.store.StartExperiment(ctx, exp.WorkspaceID, exp.ID); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"experiment_id": exp.ID,
				"workspace_id":  exp.WorkspaceID,
			}).Error("scheduled start failed")
			continue
		}
		s.logger.WithFields(map[string]interface{}{
			"experiment_id": exp.ID,
			"key":           exp.Key,
		}).Info("experiment started on schedule")
	}

	expired, err := s.store.ListDueForConclusion(ctx)
	if err != nil {
		s.logger.WithError(err).Error("lifecycle sweep: listing due conclusions failed")
	}
	for _, exp := range expired {
		// No winner is declared automatically; that stays a human call.
		if _, err := s.store.ConcludeExperiment(ctx, exp.WorkspaceID, exp.ID, &experiments.ConcludeExperimentRequest{}); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"experiment_id": exp.ID,
				"workspace_id":  exp.WorkspaceID,
			}).Error("scheduled conclusion failed")
			continue
		}
		s.logger.WithFields(map[string]interface{}{
			"experiment_id": exp.ID,
			"key":           exp.Key,
		}).Info("experiment concluded on schedule")
	}
}

func (s *Scheduler) runExport() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	if err := s.exporter.ExportDailyStats(ctx, yesterday); err != nil {
		s.logger.WithError(err).Error("daily stats export failed")
		return
	}
	s.logger.WithField("date", yesterday.Format("2006-01-02")).Info("daily stats export complete")
}

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
)

// Scheduler runs the periodic maintenance jobs: terminal-alert retention
// and cache statistics logging.
type Scheduler struct {
	cfg    config.SchedulerConfig
	alerts *database.AlertRepository
	cache  *cache.Cache
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a scheduler with the configured cron expressions.
func New(cfg config.SchedulerConfig, alerts *database.AlertRepository, cache *cache.Cache, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		alerts: alerts,
		cache:  cache,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.RetentionSchedule, s.runRetention); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.StatsSchedule, s.logStats); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started",
		"retention_schedule", s.cfg.RetentionSchedule,
		"stats_schedule", s.cfg.StatsSchedule,
		"alert_retention_days", s.cfg.AlertRetentionDays)
	return nil
}

// Stop halts the cron loop, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// runRetention purges terminal alerts older than the retention horizon.
func (s *Scheduler) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := s.alerts.DeleteTerminalOlderThan(ctx, s.cfg.AlertRetentionDays)
	if err != nil {
		s.logger.Error("Alert retention sweep failed", "error", err)
		return
	}
	s.logger.Info("Alert retention sweep completed",
		"deleted", deleted, "retention_days", s.cfg.AlertRetentionDays)
}

func (s *Scheduler) logStats() {
	s.logger.Debug("Cache statistics", "local_items", s.cache.ItemCount())
}

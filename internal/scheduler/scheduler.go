// Package scheduler runs the triage scan on a cron schedule. A tick reads the
// user's settings fresh, so toggling the agent takes effect on the next run
// without a restart.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// Scheduler triggers periodic scans for one user.
type Scheduler struct {
	cron     *cron.Cron
	service  *core.TriageService
	settings core.SettingsStore
	userID   int64
	logger   *zap.Logger
}

// NewScheduler creates a scheduler; Start registers the job.
func NewScheduler(service *core.TriageService, settings core.SettingsStore, userID int64, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		service:  service,
		settings: settings,
		userID:   userID,
		logger:   logger,
	}
}

// Start registers the scan job with the given cron spec and starts ticking.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", spec), zap.Int64("user_id", s.userID))
	return nil
}

// Stop halts the cron loop, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	settings, err := s.settings.UserSettings(ctx, s.userID)
	if err != nil {
		s.logger.Error("failed to load scan settings", zap.Error(err))
		return
	}
	// Scheduled runs respect the agent toggle; manual scans bypass it.
	if !settings.AgentActive {
		s.logger.Debug("agent inactive, scan skipped", zap.Int64("user_id", s.userID))
		return
	}

	processed, err := s.service.Scan(ctx, settings)
	if err != nil {
		s.logger.Error("scheduled scan failed",
			zap.Int64("user_id", s.userID),
			zap.Int("processed", processed),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled scan finished",
		zap.Int64("user_id", s.userID),
		zap.Int("processed", processed))
}

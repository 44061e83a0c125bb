package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// Sweeper expires stale pending workflows on a cron schedule.
type Sweeper struct {
	svc    *Service
	maxAge time.Duration
	cron   *cron.Cron
	log    *zap.SugaredLogger
}

// NewSweeper schedules ExpireStale(maxAge) using a standard 5-field cron spec.
func NewSweeper(svc *Service, schedule string, maxAge time.Duration, log *zap.SugaredLogger) (*Sweeper, error) {
	if svc == nil {
		return nil, errors.New("workflow service is required")
	}
	if maxAge <= 0 {
		return nil, errors.New("sweeper max age must be positive")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Sweeper{svc: svc, maxAge: maxAge, cron: cron.New(), log: log}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Infow("workflow expiry sweeper started", "max_age", s.maxAge.String())
}

// Stop stops scheduling; the returned context is done when a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.svc.ExpireStale(ctx, s.maxAge)
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Errorw("workflow expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Infow("expired stale workflows", "count", n)
	}
}

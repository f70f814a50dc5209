// Package scheduler runs the periodic allowance-reset sweep and the
// failed webhook-event replay.
package scheduler

import (
	"context"
	"errors"
	"time"

	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	obsmetrics "github.com/draftdesk/tokenledger/internal/observability/metrics"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepLockKey = "tokenledger:sweep"

var ErrInvalidConfig = errors.New("scheduler missing required dependencies")

type Params struct {
	fx.In

	Log           *zap.Logger
	AllocationSvc allocationdomain.Service
	ReconcilerSvc reconcilerdomain.Service
	Locker        *Locker             `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
	Config        Config              `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	allocationSvc allocationdomain.Service
	reconcilerSvc reconcilerdomain.Service
	locker        *Locker
	obsMetrics    *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.AllocationSvc == nil || p.ReconcilerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler"),
		cfg:           p.Config.withDefaults(),
		allocationSvc: p.AllocationSvc,
		reconcilerSvc: p.ReconcilerSvc,
		locker:        p.Locker,
		obsMetrics:    p.ObsMetrics,
	}, nil
}

// RunOnce performs a single sweep pass. Partial failures of individual
// accounts are counted, not fatal.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("sweep lock held elsewhere, skipping run")
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
				s.log.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	result, err := s.allocationSvc.ResetAllDue(ctx, s.cfg.BatchSize)
	s.obsMetrics.ObserveSweepDuration(time.Since(start))
	if err != nil {
		return err
	}
	if result.Succeeded > 0 || result.Failed > 0 {
		s.log.Info("allowance reset sweep finished",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
	}

	retried, err := s.reconcilerSvc.RetryFailed(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}
	if retried > 0 {
		s.log.Info("replayed failed webhook events", zap.Int("count", retried))
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.log.Error("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

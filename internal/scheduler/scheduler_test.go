package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAllocation struct {
	sweeps    int
	batchSize int
	err       error
}

func (s *stubAllocation) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	return false, nil
}

func (s *stubAllocation) ResetForTier(ctx context.Context, userID string, tier ledgerdomain.Tier, allowance int64, externalSubscriptionID, description string) error {
	return nil
}

func (s *stubAllocation) ResetAllDue(ctx context.Context, batchSize int) (allocationdomain.SweepResult, error) {
	s.sweeps++
	s.batchSize = batchSize
	if s.err != nil {
		return allocationdomain.SweepResult{}, s.err
	}
	return allocationdomain.SweepResult{Succeeded: 3}, nil
}

type stubReconciler struct {
	retries int
	limit   int
}

func (s *stubReconciler) EnqueueEvent(ctx context.Context, event reconcilerdomain.Event) error {
	return nil
}

func (s *stubReconciler) ProcessEvent(ctx context.Context, event reconcilerdomain.Event) error {
	return nil
}

func (s *stubReconciler) LinkCustomer(ctx context.Context, userID, customerID string) error {
	return nil
}

func (s *stubReconciler) RetryFailed(ctx context.Context, limit int) (int, error) {
	s.retries++
	s.limit = limit
	return 1, nil
}

func newTestScheduler(t *testing.T, allocation *stubAllocation, reconciler *stubReconciler, cfg Config) *Scheduler {
	t.Helper()
	sched, err := New(Params{
		Log:           zap.NewNop(),
		AllocationSvc: allocation,
		ReconcilerSvc: reconciler,
		Config:        cfg,
	})
	require.NoError(t, err)
	return sched
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{RunInterval: time.Minute, BatchSize: 7}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, DefaultConfig().RetryBatchSize, cfg.RetryBatchSize)
	assert.Equal(t, DefaultConfig().LockTTL, cfg.LockTTL)
}

func TestRunOnceSweepsAndRetries(t *testing.T) {
	allocation := &stubAllocation{}
	reconciler := &stubReconciler{}
	sched := newTestScheduler(t, allocation, reconciler, Config{BatchSize: 42, RetryBatchSize: 9})

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, allocation.sweeps)
	assert.Equal(t, 42, allocation.batchSize)
	assert.Equal(t, 1, reconciler.retries)
	assert.Equal(t, 9, reconciler.limit)
}

func TestRunOnceSweepFailureSkipsRetry(t *testing.T) {
	allocation := &stubAllocation{err: errors.New("db down")}
	reconciler := &stubReconciler{}
	sched := newTestScheduler(t, allocation, reconciler, Config{})

	err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, reconciler.retries)
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *Locker
	assert.NoError(t, locker.Release(context.Background(), "key", "token"))
	_, _, err := locker.TryLock(context.Background(), "key", time.Second)
	assert.Error(t, err)
}

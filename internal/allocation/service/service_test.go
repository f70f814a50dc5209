package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	ledgerservice "github.com/draftdesk/tokenledger/internal/ledger/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	fake   *clock.FakeClock
	ledger ledgerdomain.Service
	svc    allocationdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.UsageRecord{},
		&ledgerdomain.Transaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
	})
	svc := NewService(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     fake,
		LedgerSvc: ledgerSvc,
	})
	return &testEnv{db: db, fake: fake, ledger: ledgerSvc, svc: svc}
}

func TestResetIfDueWithinPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)

	env.fake.Advance(29 * 24 * time.Hour)
	reset, err := env.svc.ResetIfDue(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestResetIfDueAfterPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)

	// Spend some tokens, then cross the period boundary.
	granted, err := env.ledger.Debit(ctx, "user-1", ledgerdomain.ActionChunkedFeedback, ledgerdomain.Correlation{})
	require.NoError(t, err)
	require.True(t, granted)

	env.fake.Advance(BillingPeriod)
	reset, err := env.svc.ResetIfDue(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, reset)

	account, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)
	assert.Equal(t, env.fake.Now(), account.LastResetDate)

	var record ledgerdomain.Transaction
	require.NoError(t, env.db.First(&record, "transaction_type = ?", ledgerdomain.TransactionMonthlyReset).Error)
	assert.Equal(t, int64(50), record.TokensAdded)
}

func TestResetIfDueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)

	env.fake.Advance(BillingPeriod)
	first, err := env.svc.ResetIfDue(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, first)

	// The duplicate call sees a fresh reset date and grants nothing.
	second, err := env.svc.ResetIfDue(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, second)

	var resetCount int64
	require.NoError(t, env.db.Model(&ledgerdomain.Transaction{}).
		Where("transaction_type = ?", ledgerdomain.TransactionMonthlyReset).
		Count(&resetCount).Error)
	assert.Equal(t, int64(1), resetCount)
}

func TestResetForTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.ResetForTier(ctx, "user-1", ledgerdomain.TierPro, 1500, "sub_123", "subscription renewed")
	require.NoError(t, err)

	account, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TierPro, account.Tier)
	assert.Equal(t, int64(1500), account.Balance)
	assert.Equal(t, int64(1500), account.MonthlyAllowance)

	var record ledgerdomain.Transaction
	require.NoError(t, env.db.First(&record, "transaction_type = ?", ledgerdomain.TransactionSubscriptionGrant).Error)
	require.NotNil(t, record.ExternalSubscriptionID)
	assert.Equal(t, "sub_123", *record.ExternalSubscriptionID)
}

func TestResetForTierNegativeAllowance(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.ResetForTier(context.Background(), "user-1", ledgerdomain.TierPro, -1, "", "")
	assert.ErrorIs(t, err, allocationdomain.ErrInvalidAllowance)
}

func TestResetAllDueSweepsOnlyDueAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, userID := range []string{"user-1", "user-2"} {
		_, err := env.ledger.GetAccount(ctx, userID)
		require.NoError(t, err)
	}

	env.fake.Advance(BillingPeriod)

	// user-3 joins after the boundary and must not be swept.
	_, err := env.ledger.GetAccount(ctx, "user-3")
	require.NoError(t, err)

	result, err := env.svc.ResetAllDue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, allocationdomain.SweepResult{Succeeded: 2}, result)

	var resetCount int64
	require.NoError(t, env.db.Model(&ledgerdomain.Transaction{}).
		Where("transaction_type = ?", ledgerdomain.TransactionMonthlyReset).
		Count(&resetCount).Error)
	assert.Equal(t, int64(2), resetCount)
}

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// A single connection serializes writers, which is what sqlite wants.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.UsageRecord{},
		&ledgerdomain.Transaction{},
	))
	return db
}

func newTestService(t *testing.T, fake *clock.FakeClock) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	}).(*Service)
	return svc, db
}

func TestGetAccountLazyInit(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TierFree, account.Tier)
	assert.Equal(t, int64(50), account.Balance)
	assert.Equal(t, int64(50), account.MonthlyAllowance)
	assert.Equal(t, fake.Now(), account.LastResetDate)

	// Second call returns the same row, no re-grant.
	again, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, account.Balance, again.Balance)
}

func TestGetAccountInvalidUser(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, fake)

	_, err := svc.GetAccount(context.Background(), "  ")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidUser)
}

func TestValidateBalanceDoesNotMutate(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, fake)
	ctx := context.Background()

	check, err := svc.ValidateBalance(ctx, "user-1", ledgerdomain.ActionChunkedFeedback)
	require.NoError(t, err)
	assert.True(t, check.Sufficient)
	assert.Equal(t, int64(50), check.CurrentBalance)
	assert.Equal(t, int64(25), check.Cost)
	assert.Zero(t, check.Shortfall)

	var account ledgerdomain.Account
	require.NoError(t, db.First(&account, "user_id = ?", "user-1").Error)
	assert.Equal(t, int64(50), account.Balance)

	var usageCount int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&usageCount).Error)
	assert.Zero(t, usageCount)
}

func TestCheckAndDebitDrainsBalance(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, fake)
	ctx := context.Background()

	// 50 free tokens cover exactly two chunked runs.
	first, err := svc.CheckAndDebit(ctx, "user-1", ledgerdomain.ActionChunkedFeedback, ledgerdomain.Correlation{ScriptID: "script-9"})
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(25), first.RemainingBalance)

	second, err := svc.CheckAndDebit(ctx, "user-1", ledgerdomain.ActionChunkedFeedback, ledgerdomain.Correlation{})
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Zero(t, second.RemainingBalance)

	third, err := svc.CheckAndDebit(ctx, "user-1", ledgerdomain.ActionSingleFeedback, ledgerdomain.Correlation{})
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Zero(t, third.RemainingBalance)
	assert.Equal(t, int64(5), third.Shortfall)

	// Only successful debits leave usage records.
	var records []ledgerdomain.UsageRecord
	require.NoError(t, db.Order("created_at").Find(&records).Error)
	require.Len(t, records, 2)
	assert.Equal(t, ledgerdomain.ActionChunkedFeedback, records[0].ActionType)
	require.NotNil(t, records[0].ScriptID)
	assert.Equal(t, "script-9", *records[0].ScriptID)
	assert.Nil(t, records[1].ScriptID)
}

func TestDebitUnknownAction(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, fake)

	_, err := svc.Debit(context.Background(), "user-1", ledgerdomain.ActionType("mystery"), ledgerdomain.Correlation{})
	assert.ErrorIs(t, err, ledgerdomain.ErrUnknownAction)
}

func TestDebitConcurrentSingleWinner(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, fake)
	ctx := context.Background()

	_, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, db.Exec(
		`UPDATE token_accounts SET balance = 25 WHERE user_id = ?`, "user-1",
	).Error)

	// Both requests see a sufficient balance; the conditional update lets
	// exactly one through.
	const attempts = 2
	results := make([]bool, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Debit(ctx, "user-1", ledgerdomain.ActionChunkedFeedback, ledgerdomain.Correlation{})
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if results[i] {
			granted++
		}
	}
	assert.Equal(t, 1, granted)

	var account ledgerdomain.Account
	require.NoError(t, db.First(&account, "user_id = ?", "user-1").Error)
	assert.Zero(t, account.Balance)

	var usageCount int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&usageCount).Error)
	assert.Equal(t, int64(1), usageCount)
}

func TestCreditAddsBalanceAndTransaction(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, fake)
	ctx := context.Background()

	// Credit before first feature use lazy-inits the account.
	err := svc.Credit(ctx, "user-1", 100, ledgerdomain.TransactionOneTimePurchase, ledgerdomain.CreditReference{
		ExternalPaymentID: "pi_123",
		Description:       "token pack",
	})
	require.NoError(t, err)

	var account ledgerdomain.Account
	require.NoError(t, db.First(&account, "user_id = ?", "user-1").Error)
	assert.Equal(t, int64(150), account.Balance)

	var record ledgerdomain.Transaction
	require.NoError(t, db.First(&record, "user_id = ?", "user-1").Error)
	assert.Equal(t, ledgerdomain.TransactionOneTimePurchase, record.TransactionType)
	assert.Equal(t, int64(100), record.TokensAdded)
	require.NotNil(t, record.ExternalPaymentID)
	assert.Equal(t, "pi_123", *record.ExternalPaymentID)
}

func TestCreditNegativeAmount(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, fake)

	err := svc.Credit(context.Background(), "user-1", -10, ledgerdomain.TransactionBonusGrant, ledgerdomain.CreditReference{})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

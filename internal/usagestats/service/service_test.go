package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
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
	node   *snowflake.Node
	ledger ledgerdomain.Service
	svc    *Service
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
	fake := clock.NewFakeClock(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
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
		Clock:     fake,
		LedgerSvc: ledgerSvc,
	}).(*Service)
	return &testEnv{db: db, fake: fake, node: node, ledger: ledgerSvc, svc: svc}
}

func (e *testEnv) seedUsage(t *testing.T, userID string, action ledgerdomain.ActionType, tokens int64, daysAgo int) {
	t.Helper()
	record := ledgerdomain.UsageRecord{
		ID:         e.node.Generate(),
		UserID:     userID,
		TokensUsed: tokens,
		ActionType: action,
		CreatedAt:  e.fake.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour),
	}
	require.NoError(t, e.db.Create(&record).Error)
}

func TestSummarizeAggregatesWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)

	env.seedUsage(t, "user-1", ledgerdomain.ActionSingleFeedback, 5, 1)
	env.seedUsage(t, "user-1", ledgerdomain.ActionChunkedFeedback, 25, 5)
	// Outside the window and for another user: both excluded.
	env.seedUsage(t, "user-1", ledgerdomain.ActionWriterAgent, 8, 40)
	env.seedUsage(t, "user-2", ledgerdomain.ActionWriterAgent, 8, 2)

	summary, err := env.svc.Summarize(ctx, "user-1", 30)
	require.NoError(t, err)

	assert.Equal(t, 30, summary.WindowDays)
	assert.Equal(t, int64(30), summary.TotalTokensUsed)
	assert.Equal(t, int64(5), summary.ByAction[ledgerdomain.ActionSingleFeedback])
	assert.Equal(t, int64(25), summary.ByAction[ledgerdomain.ActionChunkedFeedback])
	assert.NotContains(t, summary.ByAction, ledgerdomain.ActionWriterAgent)

	assert.InDelta(t, 1.0, summary.DailyAverage, 1e-9)
	assert.Equal(t, int64(30), summary.ProjectedPeriodUsage)
	assert.False(t, summary.WillExceedAllowance)
}

func TestSummarizeProjectsOverage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)

	// 25 tokens/day over a 7-day window projects to 750 against the
	// 50-token free allowance.
	for day := 1; day <= 7; day++ {
		env.seedUsage(t, "user-1", ledgerdomain.ActionChunkedFeedback, 25, day)
	}

	summary, err := env.svc.Summarize(ctx, "user-1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(175), summary.TotalTokensUsed)
	assert.Equal(t, int64(750), summary.ProjectedPeriodUsage)
	assert.True(t, summary.WillExceedAllowance)
}

func TestSummarizeEmptyWindow(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.svc.Summarize(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, summary.WindowDays)
	assert.Zero(t, summary.TotalTokensUsed)
	assert.Zero(t, summary.ProjectedPeriodUsage)
	assert.False(t, summary.WillExceedAllowance)
	assert.Empty(t, summary.ByAction)
}

package service

import (
	"context"
	"math"
	"time"

	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	usagestatsdomain "github.com/draftdesk/tokenledger/internal/usagestats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const billingPeriodDays = 30

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) usagestatsdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("usagestats.service"),
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Summarize(ctx context.Context, userID string, windowDays int) (*usagestatsdomain.Summary, error) {
	if windowDays <= 0 {
		windowDays = billingPeriodDays
	}

	account, err := s.ledgerSvc.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	since := s.clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	var rows []struct {
		ActionType ledgerdomain.ActionType
		Total      int64
	}
	err = s.db.WithContext(ctx).Raw(
		`SELECT action_type, SUM(tokens_used) AS total
		 FROM usage_records
		 WHERE user_id = ? AND created_at >= ?
		 GROUP BY action_type`,
		userID,
		since,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &usagestatsdomain.Summary{
		WindowDays: windowDays,
		ByAction:   make(map[ledgerdomain.ActionType]int64, len(rows)),
	}
	for _, row := range rows {
		summary.ByAction[row.ActionType] = row.Total
		summary.TotalTokensUsed += row.Total
	}

	summary.DailyAverage = float64(summary.TotalTokensUsed) / float64(windowDays)
	summary.ProjectedPeriodUsage = int64(math.Ceil(summary.DailyAverage * billingPeriodDays))
	summary.WillExceedAllowance = summary.ProjectedPeriodUsage > account.MonthlyAllowance
	return summary, nil
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/draftdesk/tokenledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BillingPeriod is the recurring interval after which allowances reset.
const BillingPeriod = 30 * 24 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) allocationdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("allocation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	account, err := s.ledgerSvc.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if now.Sub(account.LastResetDate) < BillingPeriod {
		return false, nil
	}

	allowance := ledgerdomain.Allowance(account.Tier)
	reset := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Compare-and-swap on the previous reset date. A concurrent
		// reset (duplicate webhook, overlapping sweep) changes the date
		// first, so the loser matches zero rows and never double-grants.
		result := tx.WithContext(ctx).Exec(
			`UPDATE token_accounts
			 SET balance = ?, monthly_allowance = ?, last_reset_date = ?, updated_at = ?
			 WHERE user_id = ? AND last_reset_date = ?`,
			allowance,
			allowance,
			now,
			now,
			userID,
			account.LastResetDate,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		reset = true

		record := ledgerdomain.Transaction{
			ID:              s.genID.Generate(),
			UserID:          userID,
			TokensAdded:     allowance,
			TransactionType: ledgerdomain.TransactionMonthlyReset,
			Description:     "monthly allowance reset",
			CreatedAt:       now,
		}
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		return false, err
	}

	if reset {
		s.obsMetrics.IncReset("monthly")
	}
	return reset, nil
}

func (s *Service) ResetForTier(ctx context.Context, userID string, tier ledgerdomain.Tier, allowance int64, externalSubscriptionID, description string) error {
	if allowance < 0 {
		return allocationdomain.ErrInvalidAllowance
	}
	if _, err := s.ledgerSvc.GetAccount(ctx, userID); err != nil {
		return err
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE token_accounts
			 SET balance = ?, monthly_allowance = ?, tier = ?, last_reset_date = ?, updated_at = ?
			 WHERE user_id = ?`,
			allowance,
			allowance,
			tier,
			now,
			now,
			userID,
		).Error; err != nil {
			return err
		}

		var subID *string
		if v := strings.TrimSpace(externalSubscriptionID); v != "" {
			subID = &v
		}
		record := ledgerdomain.Transaction{
			ID:                     s.genID.Generate(),
			UserID:                 userID,
			TokensAdded:            allowance,
			TransactionType:        ledgerdomain.TransactionSubscriptionGrant,
			ExternalSubscriptionID: subID,
			Description:            description,
			CreatedAt:              now,
		}
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		return err
	}

	s.obsMetrics.IncReset("tier")
	return nil
}

func (s *Service) ResetAllDue(ctx context.Context, batchSize int) (allocationdomain.SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var result allocationdomain.SweepResult
	cutoff := s.clock.Now().Add(-BillingPeriod)
	lastUser := ""

	for {
		var userIDs []string
		err := s.db.WithContext(ctx).Raw(
			`SELECT user_id FROM token_accounts
			 WHERE last_reset_date <= ? AND user_id > ?
			 ORDER BY user_id
			 LIMIT ?`,
			cutoff,
			lastUser,
			batchSize,
		).Scan(&userIDs).Error
		if err != nil {
			return result, err
		}
		if len(userIDs) == 0 {
			return result, nil
		}

		for _, userID := range userIDs {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if _, err := s.ResetIfDue(ctx, userID); err != nil {
				result.Failed++
				s.log.Warn("allowance reset failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				continue
			}
			result.Succeeded++
		}
		lastUser = userIDs[len(userIDs)-1]
	}
}

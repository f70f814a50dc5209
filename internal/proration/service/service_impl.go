package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	prorationdomain "github.com/draftdesk/tokenledger/internal/proration/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) prorationdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("proration.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) ApplyTierChange(ctx context.Context, userID string, change prorationdomain.TierChange) (prorationdomain.Grant, error) {
	account, err := s.ledgerSvc.GetAccount(ctx, userID)
	if err != nil {
		return prorationdomain.Grant{}, err
	}
	if account.Tier == change.NewTier {
		// Already on the target tier: another delivery of this change has
		// been applied.
		return prorationdomain.Grant{
			PreviousTier: account.Tier,
			NewTier:      change.NewTier,
		}, nil
	}

	now := s.clock.Now()
	totalDays := ceilDays(change.PeriodEnd.Sub(change.PeriodStart))
	remainingDays := ceilDays(change.PeriodEnd.Sub(now))
	if remainingDays < 0 {
		remainingDays = 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	var tokens int64
	if totalDays <= 0 {
		// Malformed period: grant the full new-tier allowance rather
		// than dividing by zero.
		tokens = change.NewAllowance
		totalDays = 0
		remainingDays = 0
	} else {
		daily := float64(change.NewAllowance) / float64(totalDays)
		tokens = int64(math.Ceil(daily * float64(remainingDays)))
	}

	grant := prorationdomain.Grant{
		Applied:       true,
		Tokens:        tokens,
		PreviousTier:  account.Tier,
		NewTier:       change.NewTier,
		TotalDays:     totalDays,
		RemainingDays: remainingDays,
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Unused balance carries over: the grant is additive. The tier
		// predicate makes the update a compare-and-swap keyed on the tier
		// read above, so concurrent deliveries of the same change cannot
		// both grant.
		res := tx.WithContext(ctx).Exec(
			`UPDATE token_accounts
			 SET balance = balance + ?, monthly_allowance = ?, tier = ?, updated_at = ?
			 WHERE user_id = ? AND tier = ?`,
			tokens,
			change.NewAllowance,
			change.NewTier,
			now,
			userID,
			account.Tier,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		var subID *string
		if v := strings.TrimSpace(change.ExternalSubscriptionID); v != "" {
			subID = &v
		}
		record := ledgerdomain.Transaction{
			ID:                     s.genID.Generate(),
			UserID:                 userID,
			TokensAdded:            tokens,
			TransactionType:        ledgerdomain.TransactionSubscriptionGrant,
			ExternalSubscriptionID: subID,
			Description:            fmt.Sprintf("prorated grant: %s -> %s", account.Tier, change.NewTier),
			Metadata: datatypes.JSONMap{
				"previous_tier":  string(account.Tier),
				"new_tier":       string(change.NewTier),
				"total_days":     totalDays,
				"remaining_days": remainingDays,
			},
			CreatedAt: now,
		}
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		return prorationdomain.Grant{}, err
	}
	if !applied {
		s.log.Info("tier changed concurrently, grant skipped",
			zap.String("user_id", userID),
			zap.String("new_tier", string(change.NewTier)),
		)
		return prorationdomain.Grant{
			PreviousTier: account.Tier,
			NewTier:      change.NewTier,
		}, nil
	}

	s.log.Info("applied tier change",
		zap.String("user_id", userID),
		zap.String("previous_tier", string(grant.PreviousTier)),
		zap.String("new_tier", string(grant.NewTier)),
		zap.Int64("prorated_tokens", tokens),
	)
	return grant, nil
}

func ceilDays(d time.Duration) int64 {
	return int64(math.Ceil(d.Hours() / 24))
}

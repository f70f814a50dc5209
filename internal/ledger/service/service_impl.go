package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/draftdesk/tokenledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*ledgerdomain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}

	account, err := s.findAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	// First feature use: initialize on the free tier. ON CONFLICT DO
	// NOTHING keeps concurrent first calls from racing; the re-read
	// below returns whichever row won.
	now := s.clock.Now()
	seed := ledgerdomain.Account{
		UserID:           userID,
		Balance:          ledgerdomain.Allowance(ledgerdomain.TierFree),
		MonthlyAllowance: ledgerdomain.Allowance(ledgerdomain.TierFree),
		Tier:             ledgerdomain.TierFree,
		LastResetDate:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}

	account, err = s.findAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return account, nil
}

func (s *Service) ValidateBalance(ctx context.Context, userID string, action ledgerdomain.ActionType) (ledgerdomain.BalanceCheck, error) {
	cost, ok := ledgerdomain.Cost(action)
	if !ok {
		return ledgerdomain.BalanceCheck{}, ledgerdomain.ErrUnknownAction
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return ledgerdomain.BalanceCheck{}, err
	}

	check := ledgerdomain.BalanceCheck{
		Sufficient:     account.Balance >= cost,
		CurrentBalance: account.Balance,
		Cost:           cost,
	}
	if !check.Sufficient {
		check.Shortfall = cost - account.Balance
	}
	return check, nil
}

func (s *Service) Debit(ctx context.Context, userID string, action ledgerdomain.ActionType, corr ledgerdomain.Correlation) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ledgerdomain.ErrInvalidUser
	}
	cost, ok := ledgerdomain.Cost(action)
	if !ok {
		return false, ledgerdomain.ErrUnknownAction
	}

	debited := false
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The balance predicate is evaluated and applied in the same
		// statement; RowsAffected is the success signal. No prior read
		// authorizes this write.
		result := tx.WithContext(ctx).Exec(
			`UPDATE token_accounts
			 SET balance = balance - ?, updated_at = ?
			 WHERE user_id = ? AND balance >= ?`,
			cost,
			now,
			userID,
			cost,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		debited = true

		record := ledgerdomain.UsageRecord{
			ID:         s.genID.Generate(),
			UserID:     userID,
			TokensUsed: cost,
			ActionType: action,
			ScriptID:   optional(corr.ScriptID),
			MentorID:   optional(corr.MentorID),
			SceneID:    optional(corr.SceneID),
			CreatedAt:  now,
		}
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		s.obsMetrics.IncDebit(string(action), "error")
		return false, err
	}

	if debited {
		s.obsMetrics.IncDebit(string(action), "ok")
	} else {
		s.obsMetrics.IncDebit(string(action), "insufficient")
	}
	return debited, nil
}

func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType ledgerdomain.TransactionType, ref ledgerdomain.CreditReference) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.ErrInvalidUser
	}
	if amount < 0 {
		return ledgerdomain.ErrInvalidAmount
	}

	// Lazy-init so credits arriving before first feature use land on a
	// real account row.
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return err
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE token_accounts
		 SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ?`,
		amount,
		now,
		userID,
	)
	if result.Error != nil {
		return result.Error
	}

	// The balance update above is the source of truth. The transaction
	// row is best-effort: an audit-log outage must not block paid access.
	record := ledgerdomain.Transaction{
		ID:                     s.genID.Generate(),
		UserID:                 userID,
		TokensAdded:            amount,
		TransactionType:        txType,
		ExternalPaymentID:      optional(ref.ExternalPaymentID),
		ExternalSubscriptionID: optional(ref.ExternalSubscriptionID),
		Description:            ref.Description,
		CreatedAt:              now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Warn("failed to record credit transaction",
			zap.String("user_id", userID),
			zap.String("transaction_type", string(txType)),
			zap.Int64("tokens_added", amount),
			zap.Error(err),
		)
	}

	s.obsMetrics.IncCredit(string(txType))
	return nil
}

func (s *Service) CheckAndDebit(ctx context.Context, userID string, action ledgerdomain.ActionType, corr ledgerdomain.Correlation) (ledgerdomain.DebitResult, error) {
	cost, ok := ledgerdomain.Cost(action)
	if !ok {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrUnknownAction
	}

	// Ensure the account exists before the conditional update so a
	// first-time user debits against the free-tier grant.
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return ledgerdomain.DebitResult{}, err
	}

	debited, err := s.Debit(ctx, userID, action, corr)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}

	account, err := s.findAccount(ctx, userID)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	balance := int64(0)
	if account != nil {
		balance = account.Balance
	}

	result := ledgerdomain.DebitResult{
		Allowed:          debited,
		RemainingBalance: balance,
		Cost:             cost,
	}
	if !debited && balance < cost {
		result.Shortfall = cost - balance
	}
	return result, nil
}

func (s *Service) findAccount(ctx context.Context, userID string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Package domain contains persistence models for the token ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is a named subscription level that determines the monthly token allowance.
type Tier string

const (
	TierFree    Tier = "free"
	TierCreator Tier = "creator"
	TierPro     Tier = "pro"
)

// TierAllowances maps each tier to its monthly token allowance.
var TierAllowances = map[Tier]int64{
	TierFree:    50,
	TierCreator: 500,
	TierPro:     1500,
}

// Allowance returns the monthly allowance for a tier, falling back to
// the free allowance for unknown tiers.
func Allowance(tier Tier) int64 {
	if a, ok := TierAllowances[tier]; ok {
		return a
	}
	return TierAllowances[TierFree]
}

// ActionType identifies a billable feature action.
type ActionType string

const (
	ActionSingleFeedback     ActionType = "single_feedback"
	ActionBlendedFeedback    ActionType = "blended_feedback"
	ActionChunkedFeedback    ActionType = "chunked_feedback"
	ActionRewriteSuggestions ActionType = "rewrite_suggestions"
	ActionWriterAgent        ActionType = "writer_agent"
)

// ActionCosts is the fixed action to token-cost table.
var ActionCosts = map[ActionType]int64{
	ActionSingleFeedback:     5,
	ActionBlendedFeedback:    15,
	ActionChunkedFeedback:    25,
	ActionRewriteSuggestions: 10,
	ActionWriterAgent:        8,
}

// Cost returns the token cost of an action. ok is false for unknown actions.
func Cost(action ActionType) (int64, bool) {
	cost, ok := ActionCosts[action]
	return cost, ok
}

// TransactionType classifies a credit or audit-only ledger transaction.
type TransactionType string

const (
	TransactionSubscriptionGrant TransactionType = "subscription_grant"
	TransactionMonthlyReset      TransactionType = "monthly_reset"
	TransactionOneTimePurchase   TransactionType = "one_time_purchase"
	TransactionBonusGrant        TransactionType = "bonus_grant"
	TransactionAdminAdjustment   TransactionType = "admin_adjustment"
)

// Account is the durable entitlement record, one per user. The balance
// never goes negative: every debit is a single conditional update that
// fails as a whole when funds are insufficient.
type Account struct {
	UserID           string    `gorm:"primaryKey;type:text"`
	Balance          int64     `gorm:"not null"`
	MonthlyAllowance int64     `gorm:"not null"`
	Tier             Tier      `gorm:"type:text;not null"`
	LastResetDate    time.Time `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "token_accounts" }

// UsageRecord is the append-only audit entry for a successful debit.
// Rows are never updated or deleted.
type UsageRecord struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     string       `gorm:"type:text;not null;index:idx_usage_records_user_created,priority:1"`
	TokensUsed int64        `gorm:"not null"`
	ActionType ActionType   `gorm:"type:text;not null"`
	ScriptID   *string      `gorm:"type:text"`
	MentorID   *string      `gorm:"type:text"`
	SceneID    *string      `gorm:"type:text"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_usage_records_user_created,priority:2"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// Transaction is the append-only credit/audit entry. TokensAdded may be
// zero for audit-only rows.
type Transaction struct {
	ID                     snowflake.ID      `gorm:"primaryKey"`
	UserID                 string            `gorm:"type:text;not null;index"`
	TokensAdded            int64             `gorm:"not null"`
	TransactionType        TransactionType   `gorm:"type:text;not null"`
	ExternalPaymentID      *string           `gorm:"type:text"`
	ExternalSubscriptionID *string           `gorm:"type:text"`
	Description            string            `gorm:"type:text"`
	Metadata               datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "token_transactions" }

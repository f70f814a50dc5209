// Package domain defines the mid-cycle tier change contract.
package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
)

var ErrInvalidPeriod = errors.New("invalid billing period")

// TierChange describes a subscription tier change applied mid-cycle.
type TierChange struct {
	NewTier                ledgerdomain.Tier
	NewAllowance           int64
	PeriodStart            time.Time
	PeriodEnd              time.Time
	ExternalSubscriptionID string
}

// Grant reports the prorated tokens applied for a tier change. Applied
// is false when the account already reflects the change, or when a
// concurrent delivery of the same change won the tier compare-and-swap;
// in either case no tokens were granted.
type Grant struct {
	Applied       bool
	Tokens        int64
	PreviousTier  ledgerdomain.Tier
	NewTier       ledgerdomain.Tier
	TotalDays     int64
	RemainingDays int64
}

type Service interface {
	// ApplyTierChange grants a partial-period allowance for the new tier,
	// preserving any unused balance. Proration is symmetric for upgrades
	// and downgrades. The balance update is keyed on the tier the account
	// held when it was read, so duplicate deliveries of one logical
	// change apply it exactly once.
	ApplyTierChange(ctx context.Context, userID string, change TierChange) (Grant, error)
}

// Package domain defines the allowance reset contract.
package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
)

var (
	ErrInvalidAllowance = errors.New("invalid allowance")
)

// SweepResult reports a batch reset sweep. Individual account failures
// never abort the sweep.
type SweepResult struct {
	Succeeded int
	Failed    int
}

type Service interface {
	// ResetIfDue resets the account's balance to its tier allowance when a
	// full billing period has elapsed since the last reset. Idempotent: a
	// concurrent or repeated call within the same period is a no-op.
	ResetIfDue(ctx context.Context, userID string) (bool, error)

	// ResetForTier sets a provider-confirmed tier and allowance regardless
	// of elapsed time, logging a Transaction.
	ResetForTier(ctx context.Context, userID string, tier ledgerdomain.Tier, allowance int64, externalSubscriptionID, description string) error

	// ResetAllDue sweeps accounts whose last reset is older than the
	// billing period, in bounded batches.
	ResetAllDue(ctx context.Context, batchSize int) (SweepResult, error)
}

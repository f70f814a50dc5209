package domain

import (
	"context"
	"errors"
)

var (
	ErrUnknownAction = errors.New("unknown action type")
	ErrInvalidUser   = errors.New("invalid user id")
	ErrInvalidAmount = errors.New("invalid credit amount")
)

// Correlation carries optional identifiers linking a debit to the
// feature invocation that caused it.
type Correlation struct {
	ScriptID string
	MentorID string
	SceneID  string
}

// CreditReference links a credit to its external billing origin.
type CreditReference struct {
	ExternalPaymentID      string
	ExternalSubscriptionID string
	Description            string
}

// BalanceCheck is the advisory result of ValidateBalance. It is a
// point-in-time read: authorization to mutate comes only from Debit's
// own atomic re-check, never from a prior BalanceCheck.
type BalanceCheck struct {
	Sufficient     bool  `json:"sufficient"`
	CurrentBalance int64 `json:"current_balance"`
	Cost           int64 `json:"cost"`
	Shortfall      int64 `json:"shortfall"`
}

// DebitResult is returned by CheckAndDebit with enough information for
// the caller to render an insufficient-tokens state without a second
// round trip.
type DebitResult struct {
	Allowed          bool  `json:"allowed"`
	RemainingBalance int64 `json:"remaining_balance"`
	Cost             int64 `json:"cost"`
	Shortfall        int64 `json:"shortfall"`
}

type Service interface {
	// GetAccount returns the account for a user, lazily creating it on
	// the free tier on first use.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// ValidateBalance is a read-only pre-flight check. It never mutates
	// state and its result must not be used as authorization to debit.
	ValidateBalance(ctx context.Context, userID string, action ActionType) (BalanceCheck, error)

	// Debit atomically subtracts the action cost where the balance
	// covers it, appending one UsageRecord on success. Returns false
	// (not an error) when funds are insufficient.
	Debit(ctx context.Context, userID string, action ActionType, corr Correlation) (bool, error)

	// Credit unconditionally adds tokens and records a Transaction.
	// The balance update is the source of truth; a failure to log the
	// transaction row does not roll back the credit.
	Credit(ctx context.Context, userID string, amount int64, txType TransactionType, ref CreditReference) error

	// CheckAndDebit is the single entry point for feature gating.
	CheckAndDebit(ctx context.Context, userID string, action ActionType, corr Correlation) (DebitResult, error)
}

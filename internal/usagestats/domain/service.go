// Package domain defines read-only usage aggregation.
package domain

import (
	"context"

	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
)

// Summary aggregates a user's usage records over a trailing window.
// Projection is a linear extrapolation of the window's daily average
// over the billing period.
type Summary struct {
	WindowDays           int                             `json:"window_days"`
	TotalTokensUsed      int64                           `json:"total_tokens_used"`
	ByAction             map[ledgerdomain.ActionType]int64 `json:"by_action"`
	DailyAverage         float64                         `json:"daily_average"`
	ProjectedPeriodUsage int64                           `json:"projected_period_usage"`
	WillExceedAllowance  bool                            `json:"will_exceed_allowance"`
}

type Service interface {
	// Summarize aggregates usage for the trailing windowDays days. It
	// never mutates ledger state.
	Summarize(ctx context.Context, userID string, windowDays int) (*Summary, error)
}

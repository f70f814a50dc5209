// Package domain contains persistence models and contracts for billing
// reconciliation.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	"gorm.io/datatypes"
)

var (
	ErrInvalidEvent = errors.New("invalid webhook event")
)

// SubscriptionState mirrors the provider's view of a customer's
// subscription. customer_id is the natural key, so repeated sync is
// idempotent by construction (last-write-wins on the full row).
type SubscriptionState struct {
	CustomerID         string    `gorm:"primaryKey;type:text"`
	SubscriptionID     string    `gorm:"type:text;not null;index"`
	PriceID            string    `gorm:"type:text;not null"`
	Status             string    `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null"`
	CancelAtPeriodEnd  bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionState) TableName() string { return "subscription_states" }

// CustomerLink maps an external billing customer identity to a user.
// The reverse lookup (customer to user) is what reconciliation needs.
type CustomerLink struct {
	UserID     string    `gorm:"primaryKey;type:text"`
	CustomerID string    `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerLink) TableName() string { return "customer_links" }

// WebhookEventStatus tracks journal state for a received event.
type WebhookEventStatus string

const (
	WebhookEventPending    WebhookEventStatus = "pending"
	WebhookEventProcessing WebhookEventStatus = "processing"
	WebhookEventProcessed  WebhookEventStatus = "processed"
	WebhookEventFailed     WebhookEventStatus = "failed"
)

// WebhookEvent journals every received provider event. The primary key
// on the provider event ID makes duplicate delivery a no-op insert.
type WebhookEvent struct {
	EventID   string             `gorm:"primaryKey;type:text"`
	EventType string             `gorm:"type:text;not null;index"`
	Payload   datatypes.JSON     `gorm:"type:jsonb"`
	Status    WebhookEventStatus `gorm:"type:text;not null;index"`
	LastError *string            `gorm:"type:text"`
	CreatedAt time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// Event is a verified provider event handed to the reconciler.
type Event struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// SubscriptionSnapshot is the authoritative subscription state fetched
// from the billing provider. Handlers re-fetch it instead of trusting
// event payload ordering.
type SubscriptionSnapshot struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// SubscriptionFetcher retrieves the current subscription snapshot from
// the billing provider.
type SubscriptionFetcher interface {
	Subscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
}

// PriceMapping resolves a provider price ID to a tier and allowance.
// Unknown price IDs degrade to the free tier rather than failing.
type PriceMapping struct {
	creatorPriceID string
	proPriceID     string
}

func NewPriceMapping(creatorPriceID, proPriceID string) PriceMapping {
	return PriceMapping{creatorPriceID: creatorPriceID, proPriceID: proPriceID}
}

// Resolve returns the tier and allowance for a price ID. known is false
// when the price ID has no mapping.
func (m PriceMapping) Resolve(priceID string) (tier ledgerdomain.Tier, allowance int64, known bool) {
	if priceID != "" {
		switch priceID {
		case m.creatorPriceID:
			return ledgerdomain.TierCreator, ledgerdomain.Allowance(ledgerdomain.TierCreator), true
		case m.proPriceID:
			return ledgerdomain.TierPro, ledgerdomain.Allowance(ledgerdomain.TierPro), true
		}
	}
	return ledgerdomain.TierFree, ledgerdomain.Allowance(ledgerdomain.TierFree), false
}

type Service interface {
	// EnqueueEvent journals a verified event without applying it, so the
	// delivery can be acknowledged before processing. Duplicate
	// deliveries are a no-op.
	EnqueueEvent(ctx context.Context, event Event) error

	// ProcessEvent journals and applies one provider event. Safe under
	// duplicate and out-of-order delivery.
	ProcessEvent(ctx context.Context, event Event) error

	// LinkCustomer records the user to billing-customer mapping.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// RetryFailed drives journaled events that are still pending or
	// whose processing failed.
	RetryFailed(ctx context.Context, limit int) (int, error)
}

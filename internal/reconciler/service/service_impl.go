package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	"github.com/draftdesk/tokenledger/internal/clock"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/draftdesk/tokenledger/internal/observability/metrics"
	prorationdomain "github.com/draftdesk/tokenledger/internal/proration/domain"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// retention bounds how long failed events stay eligible for replay.
const failedEventRetention = 72 * time.Hour

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	LedgerSvc     ledgerdomain.Service
	AllocationSvc allocationdomain.Service
	ProrationSvc  prorationdomain.Service
	Fetcher       reconcilerdomain.SubscriptionFetcher
	Mapping       reconcilerdomain.PriceMapping
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	ledgerSvc     ledgerdomain.Service
	allocationSvc allocationdomain.Service
	prorationSvc  prorationdomain.Service
	fetcher       reconcilerdomain.SubscriptionFetcher
	mapping       reconcilerdomain.PriceMapping
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) reconcilerdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconciler.service"),
		clock:         p.Clock,
		ledgerSvc:     p.LedgerSvc,
		allocationSvc: p.AllocationSvc,
		prorationSvc:  p.ProrationSvc,
		fetcher:       p.Fetcher,
		mapping:       p.Mapping,
		obsMetrics:    p.ObsMetrics,
	}
}

// EnqueueEvent journals the event so the caller can acknowledge the
// delivery before any processing happens. ProcessEvent or the retry job
// picks the row up from there.
func (s *Service) EnqueueEvent(ctx context.Context, event reconcilerdomain.Event) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return reconcilerdomain.ErrInvalidEvent
	}
	now := s.clock.Now()
	record := reconcilerdomain.WebhookEvent{
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   []byte(event.Payload),
		Status:    reconcilerdomain.WebhookEventPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

func (s *Service) ProcessEvent(ctx context.Context, event reconcilerdomain.Event) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return reconcilerdomain.ErrInvalidEvent
	}

	claimed, err := s.claimEvent(ctx, event)
	if err != nil {
		return err
	}
	if !claimed {
		s.obsMetrics.IncWebhookEvent(event.Type, "duplicate")
		return nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		s.obsMetrics.IncWebhookEvent(event.Type, "failed")
		if markErr := s.markEvent(ctx, event.ID, reconcilerdomain.WebhookEventFailed, err); markErr != nil {
			s.log.Warn("failed to mark webhook event",
				zap.String("event_id", event.ID),
				zap.Error(markErr),
			)
		}
		return err
	}

	s.obsMetrics.IncWebhookEvent(event.Type, "processed")
	return s.markEvent(ctx, event.ID, reconcilerdomain.WebhookEventProcessed, nil)
}

// claimEvent journals the event. Returns false when an identical event
// was already fully processed; a previously failed event is re-claimed.
func (s *Service) claimEvent(ctx context.Context, event reconcilerdomain.Event) (bool, error) {
	now := s.clock.Now()
	record := reconcilerdomain.WebhookEvent{
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   []byte(event.Payload),
		Status:    reconcilerdomain.WebhookEventProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing reconcilerdomain.WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", event.ID).
		First(&existing).Error; err != nil {
		return false, err
	}
	if existing.Status == reconcilerdomain.WebhookEventProcessed {
		return false, nil
	}

	// Pending, failed, or stuck in processing: claim via status CAS so
	// only one delivery reprocesses it.
	res := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET status = ?, updated_at = ?
		 WHERE event_id = ? AND status = ?`,
		reconcilerdomain.WebhookEventProcessing,
		now,
		event.ID,
		existing.Status,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) markEvent(ctx context.Context, eventID string, status reconcilerdomain.WebhookEventStatus, cause error) error {
	var lastErr *string
	if cause != nil {
		msg := cause.Error()
		lastErr = &msg
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET status = ?, last_error = ?, updated_at = ?
		 WHERE event_id = ?`,
		status,
		lastErr,
		s.clock.Now(),
		eventID,
	).Error
}

func (s *Service) dispatch(ctx context.Context, event reconcilerdomain.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Payload, &sub); err != nil {
			return reconcilerdomain.ErrInvalidEvent
		}
		return s.syncSubscription(ctx, sub.ID)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Payload, &sub); err != nil {
			return reconcilerdomain.ErrInvalidEvent
		}
		return s.handleSubscriptionDeleted(ctx, &sub)

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Payload, &sess); err != nil {
			return reconcilerdomain.ErrInvalidEvent
		}
		return s.handleCheckoutCompleted(ctx, &sess)

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Payload, &invoice); err != nil {
			return reconcilerdomain.ErrInvalidEvent
		}
		return s.handleInvoicePaid(ctx, &invoice)

	case "invoice.payment_failed":
		// No token mutation; grace-period policy lives with the
		// provider, not the ledger.
		s.log.Info("payment failed", zap.String("event_id", event.ID))
		return nil

	default:
		return nil
	}
}

// syncSubscription re-fetches the authoritative subscription snapshot
// and reconciles the account against it. Trusting the snapshot instead
// of event payloads makes any delivery order converge to the same state.
func (s *Service) syncSubscription(ctx context.Context, subscriptionID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return reconcilerdomain.ErrInvalidEvent
	}

	var snapshot *reconcilerdomain.SubscriptionSnapshot
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		snapshot, err = s.fetcher.Subscription(ctx, subscriptionID)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.upsertState(ctx, snapshot); err != nil {
		return err
	}

	tier, allowance, known := s.mapping.Resolve(snapshot.PriceID)
	if !known {
		s.log.Warn("unknown price mapping, degrading to free tier",
			zap.String("price_id", snapshot.PriceID),
			zap.String("subscription_id", snapshot.SubscriptionID),
		)
	}

	userID, err := s.lookupUser(ctx, snapshot.CustomerID)
	if err != nil {
		return err
	}
	if userID == "" {
		// Reconciliation cannot repair a missing identity link; retrying
		// the event would never succeed. Drop and alert.
		s.log.Error("no user mapped to billing customer, dropping event",
			zap.String("customer_id", snapshot.CustomerID),
			zap.String("subscription_id", snapshot.SubscriptionID),
		)
		s.obsMetrics.IncWebhookEvent("subscription.sync", "unmapped_customer")
		return nil
	}

	if snapshot.Status == "canceled" {
		return s.revoke(ctx, userID, snapshot.SubscriptionID)
	}

	account, err := s.ledgerSvc.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if account.Tier == tier {
		// Pure updates that do not change tier must not re-grant tokens.
		return nil
	}

	_, err = s.prorationSvc.ApplyTierChange(ctx, userID, prorationdomain.TierChange{
		NewTier:                tier,
		NewAllowance:           allowance,
		PeriodStart:            snapshot.CurrentPeriodStart,
		PeriodEnd:              snapshot.CurrentPeriodEnd,
		ExternalSubscriptionID: snapshot.SubscriptionID,
	})
	return err
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if customerID == "" {
		return reconcilerdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE subscription_states SET status = ?, updated_at = ?
		 WHERE customer_id = ?`,
		"canceled",
		now,
		customerID,
	).Error; err != nil {
		return err
	}

	userID, err := s.lookupUser(ctx, customerID)
	if err != nil {
		return err
	}
	if userID == "" {
		s.log.Error("no user mapped to billing customer, dropping event",
			zap.String("customer_id", customerID),
		)
		s.obsMetrics.IncWebhookEvent("subscription.deleted", "unmapped_customer")
		return nil
	}

	return s.revoke(ctx, userID, sub.ID)
}

// revoke returns the account to the free tier immediately. Revocation is
// not prorated.
func (s *Service) revoke(ctx context.Context, userID, subscriptionID string) error {
	return s.allocationSvc.ResetForTier(
		ctx,
		userID,
		ledgerdomain.TierFree,
		ledgerdomain.Allowance(ledgerdomain.TierFree),
		subscriptionID,
		"subscription canceled",
	)
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if userID := strings.TrimSpace(sess.ClientReferenceID); userID != "" && customerID != "" {
		if err := s.LinkCustomer(ctx, userID, customerID); err != nil {
			return err
		}
	}

	// The session payload may not reflect the final subscription object;
	// run the full resync instead of trusting its fields.
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return nil
	}
	return s.syncSubscription(ctx, sess.Subscription.ID)
}

func (s *Service) handleInvoicePaid(ctx context.Context, invoice *stripe.Invoice) error {
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return nil
	}
	subID := subscriptionIDFromInvoice(invoice)
	if subID == "" {
		return nil
	}
	// Renewal: resync covers the monthly reset via the tier grant path.
	return s.syncSubscription(ctx, subID)
}

func subscriptionIDFromInvoice(invoice *stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (s *Service) upsertState(ctx context.Context, snapshot *reconcilerdomain.SubscriptionSnapshot) error {
	now := s.clock.Now()
	state := reconcilerdomain.SubscriptionState{
		CustomerID:         snapshot.CustomerID,
		SubscriptionID:     snapshot.SubscriptionID,
		PriceID:            snapshot.PriceID,
		Status:             snapshot.Status,
		CurrentPeriodStart: snapshot.CurrentPeriodStart,
		CurrentPeriodEnd:   snapshot.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snapshot.CancelAtPeriodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			UpdateAll: true,
		}).
		Create(&state).Error
}

func (s *Service) LinkCustomer(ctx context.Context, userID, customerID string) error {
	userID = strings.TrimSpace(userID)
	customerID = strings.TrimSpace(customerID)
	if userID == "" || customerID == "" {
		return reconcilerdomain.ErrInvalidEvent
	}
	link := reconcilerdomain.CustomerLink{
		UserID:     userID,
		CustomerID: customerID,
		CreatedAt:  s.clock.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
}

func (s *Service) lookupUser(ctx context.Context, customerID string) (string, error) {
	var link reconcilerdomain.CustomerLink
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return link.UserID, nil
}

func (s *Service) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 25
	}
	cutoff := s.clock.Now().Add(-failedEventRetention)

	var events []reconcilerdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at > ?", []reconcilerdomain.WebhookEventStatus{
			reconcilerdomain.WebhookEventPending,
			reconcilerdomain.WebhookEventFailed,
		}, cutoff).
		Order("created_at").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}

		// Claim via status CAS before dispatching so a live redelivery
		// being processed concurrently cannot run the same event twice.
		res := s.db.WithContext(ctx).Exec(
			`UPDATE webhook_events SET status = ?, updated_at = ?
			 WHERE event_id = ? AND status = ?`,
			reconcilerdomain.WebhookEventProcessing,
			s.clock.Now(),
			evt.EventID,
			evt.Status,
		)
		if res.Error != nil {
			return retried, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		event := reconcilerdomain.Event{
			ID:      evt.EventID,
			Type:    evt.EventType,
			Payload: json.RawMessage(evt.Payload),
		}
		if err := s.dispatch(ctx, event); err != nil {
			if markErr := s.markEvent(ctx, evt.EventID, reconcilerdomain.WebhookEventFailed, err); markErr != nil {
				s.log.Warn("failed to mark webhook event", zap.String("event_id", evt.EventID), zap.Error(markErr))
			}
			continue
		}
		if err := s.markEvent(ctx, evt.EventID, reconcilerdomain.WebhookEventProcessed, nil); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

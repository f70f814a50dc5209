package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	"go.uber.org/zap"
)

// Stripe caps event payloads well below this; anything larger is junk.
const maxWebhookBodyBytes = 1 << 20

// HandleStripeWebhook verifies the event signature, journals the event,
// and acknowledges the delivery immediately. Processing runs off the
// request path; duplicate deliveries return 200 without reprocessing.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	event, err := s.stripeClient.ConstructWebhookEvent(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.log.Warn("webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	evt := reconcilerdomain.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: event.Data.Raw,
	}
	if err := s.reconcilerSvc.EnqueueEvent(c.Request.Context(), evt); err != nil {
		AbortWithError(c, err)
		return
	}

	// The journal row is the durability point: apply the event off the
	// request path, and if this worker dies mid-processing the retry job
	// replays it from the journal.
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := s.reconcilerSvc.ProcessEvent(ctx, evt); err != nil {
			s.log.Warn("webhook event processing failed, leaving for retry job",
				zap.String("event_id", evt.ID),
				zap.Error(err),
			)
		}
	}()

	c.JSON(http.StatusOK, gin.H{"received": true})
}

package reconciler

import (
	"github.com/draftdesk/tokenledger/internal/config"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	"github.com/draftdesk/tokenledger/internal/reconciler/service"
	reconcilerstripe "github.com/draftdesk/tokenledger/internal/reconciler/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler.service",
	fx.Provide(func(cfg config.Config) *reconcilerstripe.Client {
		return reconcilerstripe.NewClient(reconcilerstripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
	}),
	fx.Provide(func(client *reconcilerstripe.Client) reconcilerdomain.SubscriptionFetcher {
		return client
	}),
	fx.Provide(func(cfg config.Config) reconcilerdomain.PriceMapping {
		return reconcilerdomain.NewPriceMapping(cfg.StripePriceCreator, cfg.StripePricePro)
	}),
	fx.Provide(service.NewService),
)

package usagestats

import (
	"github.com/draftdesk/tokenledger/internal/usagestats/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagestats.service",
	fx.Provide(service.NewService),
)

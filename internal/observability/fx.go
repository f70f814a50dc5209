package observability

import (
	"github.com/draftdesk/tokenledger/internal/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(func() (*metrics.Metrics, error) {
		return metrics.New(prometheus.DefaultRegisterer)
	}),
)

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/draftdesk/tokenledger/internal/allocation"
	allocationdomain "github.com/draftdesk/tokenledger/internal/allocation/domain"
	"github.com/draftdesk/tokenledger/internal/config"
	"github.com/draftdesk/tokenledger/internal/ledger"
	ledgerdomain "github.com/draftdesk/tokenledger/internal/ledger/domain"
	obsmiddleware "github.com/draftdesk/tokenledger/internal/observability/logger"
	obsmetrics "github.com/draftdesk/tokenledger/internal/observability/metrics"
	"github.com/draftdesk/tokenledger/internal/proration"
	"github.com/draftdesk/tokenledger/internal/reconciler"
	reconcilerdomain "github.com/draftdesk/tokenledger/internal/reconciler/domain"
	reconcilerstripe "github.com/draftdesk/tokenledger/internal/reconciler/stripe"
	"github.com/draftdesk/tokenledger/internal/usagestats"
	usagestatsdomain "github.com/draftdesk/tokenledger/internal/usagestats/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ledger.Module,
	allocation.Module,
	proration.Module,
	reconciler.Module,
	usagestats.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	ledgerSvc     ledgerdomain.Service
	allocationSvc allocationdomain.Service
	reconcilerSvc reconcilerdomain.Service
	usageSvc      usagestatsdomain.Service
	stripeClient  *reconcilerstripe.Client
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	LedgerSvc     ledgerdomain.Service
	AllocationSvc allocationdomain.Service
	ReconcilerSvc reconcilerdomain.Service
	UsageSvc      usagestatsdomain.Service
	StripeClient  *reconcilerstripe.Client
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("server"),
		ledgerSvc:     p.LedgerSvc,
		allocationSvc: p.AllocationSvc,
		reconcilerSvc: p.ReconcilerSvc,
		usageSvc:      p.UsageSvc,
		stripeClient:  p.StripeClient,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Accounts --------
	v1.GET("/accounts/:user_id", s.GetAccount)

	// -------- Tokens --------
	v1.POST("/tokens/check", s.CheckBalance)
	v1.POST("/tokens/debit", s.DebitTokens)

	// -------- Usage --------
	v1.GET("/usage/:user_id/summary", s.GetUsageSummary)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

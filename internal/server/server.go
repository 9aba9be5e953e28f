package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/authorization"
	"github.com/smallbiznis/caisse/internal/clock"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/observability"
	obsmiddleware "github.com/smallbiznis/caisse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	obstracing "github.com/smallbiznis/caisse/internal/observability/tracing"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	"github.com/smallbiznis/caisse/internal/providers/pdf"
	"github.com/smallbiznis/caisse/internal/ratelimit"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	pdf.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	clock  clock.Clock

	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	organizations organizationdomain.Service
	saleSvc       saledomain.Service
	ledgerSvc     ledgerdomain.Service
	closingSvc    closingdomain.Service
	pdf           pdf.Provider
	verifyLimiter *ratelimit.VerifyLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	OrganizationSvc organizationdomain.Service
	SaleSvc         saledomain.Service
	LedgerSvc       ledgerdomain.Service
	ClosingSvc      closingdomain.Service
	PDF             pdf.Provider
	VerifyLimiter   *ratelimit.VerifyLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		clock:         p.Clock,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		organizations: p.OrganizationSvc,
		saleSvc:       p.SaleSvc,
		ledgerSvc:     p.LedgerSvc,
		closingSvc:    p.ClosingSvc,
		pdf:           p.PDF,
		verifyLimiter: p.VerifyLimiter,
	}
	if svc.clock == nil {
		svc.clock = clock.SystemClock{}
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.OrgContext(), s.ActorContext())

	// -------- Sales --------
	api.POST("/sales", s.authorize(authorization.ObjectSale, authorization.ActionCreate), s.CreateSale)
	api.GET("/sales/:id", s.authorize(authorization.ObjectSale, authorization.ActionRead), s.GetSale)

	// -------- Ledger --------
	api.GET("/ledger/entries", s.authorize(authorization.ObjectLedger, authorization.ActionRead), s.ListLedgerEntries)
	api.GET("/ledger/export", s.authorize(authorization.ObjectLedger, authorization.ActionExport), s.ExportLedger)
	api.GET("/ledger/verify", s.authorize(authorization.ObjectLedger, authorization.ActionVerify), s.VerifyLedger)

	// -------- Daily reports --------
	reports := api.Group("/reports/daily")
	{
		reports.POST("", s.authorize(authorization.ObjectDailyReport, authorization.ActionGenerate), s.GenerateDailyReport)
		reports.GET("", s.authorize(authorization.ObjectDailyReport, authorization.ActionRead), s.ListDailyReports)
		reports.GET("/:date", s.authorize(authorization.ObjectDailyReport, authorization.ActionRead), s.GetDailyReport)
		reports.PATCH("/:date/status", s.authorize(authorization.ObjectDailyReport, authorization.ActionTransition), s.TransitionDailyReport)
		reports.GET("/:date/pdf", s.authorize(authorization.ObjectDailyReport, authorization.ActionRead), s.DailyReportPDF)
	}

	// -------- Audit trail --------
	api.GET("/audit_logs", s.authorize(authorization.ObjectLedger, authorization.ActionExport), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

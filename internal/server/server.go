package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gestionly/veriledger/internal/audit"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	"github.com/gestionly/veriledger/internal/certvault"
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gestionly/veriledger/internal/chain"
	chaindomain "github.com/gestionly/veriledger/internal/chain/domain"
	"github.com/gestionly/veriledger/internal/clock"
	"github.com/gestionly/veriledger/internal/compliance"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"github.com/gestionly/veriledger/internal/config"
	"github.com/gestionly/veriledger/internal/invoice"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/gestionly/veriledger/internal/numbering"
	"github.com/gestionly/veriledger/internal/observability"
	obslogger "github.com/gestionly/veriledger/internal/observability/logger"
	"github.com/gestionly/veriledger/internal/providers/email"
	"github.com/gestionly/veriledger/internal/scheduler"
	"github.com/gestionly/veriledger/internal/settings"
	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	clock.Module,
	audit.Module,
	settings.Module,
	numbering.Module,
	chain.Module,
	certvault.Module,
	compliance.Module,
	email.Module,
	invoice.Module,
	scheduler.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Log:             log,
		ErrorClassifier: classifyErrorForLog,
	}))
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
	invoiceSvc    invoicedomain.Service
	settingsSvc   settingsdomain.Service
	auditSvc      auditdomain.Service
	chainSvc      chaindomain.Service
	vaultSvc      certdomain.Service
	complianceSvc compliancedomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	InvoiceSvc    invoicedomain.Service
	SettingsSvc   settingsdomain.Service
	AuditSvc      auditdomain.Service
	ChainSvc      chaindomain.Service
	VaultSvc      certdomain.Service
	ComplianceSvc compliancedomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		invoiceSvc:    p.InvoiceSvc,
		settingsSvc:   p.SettingsSvc,
		auditSvc:      p.AuditSvc,
		chainSvc:      p.ChainSvc,
		vaultSvc:      p.VaultSvc,
		complianceSvc: p.ComplianceSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", s.WorkspaceRequired())

	// -------- Invoices --------
	api.POST("/invoices", s.CreateInvoiceDraft)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.PATCH("/invoices/:id", s.UpdateInvoiceDraft)
	api.DELETE("/invoices/:id", s.DeleteInvoiceDraft)
	api.POST("/invoices/:id/finalize", s.FinalizeInvoice)
	api.POST("/invoices/:id/pay", s.MarkInvoicePaid)
	api.POST("/invoices/:id/duplicate", s.DuplicateInvoice)
	api.POST("/invoices/:id/rectify", s.RectifyInvoice)

	// -------- Numbering --------
	api.GET("/numbering/next", s.NextNumberPreview)

	// -------- Chain --------
	api.GET("/chain/:series/verify", s.VerifyChain)

	// -------- Certificate vault --------
	api.POST("/certificate", s.UploadCertificate)
	api.GET("/certificate", s.GetCertificateStatus)
	api.DELETE("/certificate", s.RevokeCertificate)

	// -------- Compliance --------
	api.GET("/compliance/self-check", s.SelfCheck)

	// -------- Settings --------
	api.GET("/settings", s.GetSettings)
	api.PATCH("/settings", s.UpdateSettings)

	// -------- Audit --------
	api.GET("/audit-logs", s.ListAuditLogs)
}

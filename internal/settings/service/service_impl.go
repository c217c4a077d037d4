package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Series names become part of invoice numbers and canonical hash payloads, so
// only a conservative charset is allowed.
var seriesPattern = regexp.MustCompile(`^[A-Z][A-Z0-9-]{0,11}$`)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	auditSvc auditdomain.Service
}

func NewService(p Params) settingsdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Get(ctx context.Context) (settingsdomain.InvoiceSettings, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return settingsdomain.InvoiceSettings{}, settingsdomain.ErrInvalidWorkspace
	}
	return s.load(ctx, s.db, workspaceID)
}

func (s *Service) Update(ctx context.Context, req settingsdomain.UpdateSettingsRequest) (settingsdomain.InvoiceSettings, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return settingsdomain.InvoiceSettings{}, settingsdomain.ErrInvalidWorkspace
	}

	var updated settingsdomain.InvoiceSettings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		before := snapshot(current)

		next := current
		if req.IssuerName != nil {
			next.IssuerName = strings.TrimSpace(*req.IssuerName)
		}
		if req.IssuerTaxID != nil {
			next.IssuerTaxID = strings.ToUpper(strings.TrimSpace(*req.IssuerTaxID))
		}
		if req.IssuerAddress != nil {
			next.IssuerAddress = strings.TrimSpace(*req.IssuerAddress)
		}
		if req.DefaultSeries != nil {
			next.DefaultSeries = strings.ToUpper(strings.TrimSpace(*req.DefaultSeries))
		}
		if req.RectificativeSeries != nil {
			next.RectificativeSeries = strings.ToUpper(strings.TrimSpace(*req.RectificativeSeries))
		}
		if req.DefaultTaxRateBP != nil {
			next.DefaultTaxRateBP = *req.DefaultTaxRateBP
		}
		if req.PaymentTermsDays != nil {
			next.PaymentTermsDays = *req.PaymentTermsDays
		}
		if req.Currency != nil {
			next.Currency = strings.ToUpper(strings.TrimSpace(*req.Currency))
		}

		if err := validate(next); err != nil {
			return err
		}

		now := time.Now().UTC()
		next.UpdatedAt = now
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoice_settings
			 SET issuer_name = ?, issuer_tax_id = ?, issuer_address = ?,
			     default_series = ?, rectificative_series = ?, default_tax_rate_bp = ?,
			     payment_terms_days = ?, currency = ?, updated_at = ?
			 WHERE workspace_id = ?`,
			next.IssuerName,
			next.IssuerTaxID,
			next.IssuerAddress,
			next.DefaultSeries,
			next.RectificativeSeries,
			next.DefaultTaxRateBP,
			next.PaymentTermsDays,
			next.Currency,
			now,
			workspaceID,
		).Error; err != nil {
			return err
		}

		targetID := workspaceID.String()
		if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "settings.updated",
			TargetType:  "invoice_settings",
			TargetID:    &targetID,
			Before:      before,
			After:       snapshot(next),
		}); err != nil {
			return err
		}

		updated = next
		return nil
	})
	if err != nil {
		return settingsdomain.InvoiceSettings{}, err
	}
	return updated, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID) (settingsdomain.InvoiceSettings, error) {
	var row settingsdomain.InvoiceSettings
	err := tx.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		First(&row).Error
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return settingsdomain.InvoiceSettings{}, err
	}

	// First touch provisions workspace defaults.
	now := time.Now().UTC()
	row = settingsdomain.InvoiceSettings{
		WorkspaceID:         workspaceID,
		DefaultSeries:       "F",
		RectificativeSeries: "R",
		DefaultTaxRateBP:    2100,
		PaymentTermsDays:    30,
		Currency:            "EUR",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return settingsdomain.InvoiceSettings{}, err
	}
	return row, nil
}

func validate(settings settingsdomain.InvoiceSettings) error {
	if !seriesPattern.MatchString(settings.DefaultSeries) ||
		!seriesPattern.MatchString(settings.RectificativeSeries) ||
		settings.DefaultSeries == settings.RectificativeSeries {
		return settingsdomain.ErrInvalidSeries
	}
	if settings.DefaultTaxRateBP < 0 || settings.DefaultTaxRateBP > 10000 {
		return settingsdomain.ErrInvalidTaxRate
	}
	if len(settings.Currency) != 3 {
		return settingsdomain.ErrInvalidCurrency
	}
	return nil
}

func snapshot(settings settingsdomain.InvoiceSettings) map[string]any {
	return map[string]any{
		"issuer_name":          settings.IssuerName,
		"issuer_tax_id":        settings.IssuerTaxID,
		"issuer_address":       settings.IssuerAddress,
		"default_series":       settings.DefaultSeries,
		"rectificative_series": settings.RectificativeSeries,
		"default_tax_rate_bp":  settings.DefaultTaxRateBP,
		"payment_terms_days":   settings.PaymentTermsDays,
		"currency":             settings.Currency,
	}
}

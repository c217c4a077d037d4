package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	"github.com/gestionly/veriledger/internal/chain/canonical"
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gestionly/veriledger/internal/clock"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"github.com/gestionly/veriledger/internal/config"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	numberingdomain "github.com/gestionly/veriledger/internal/numbering/domain"
	numberingservice "github.com/gestionly/veriledger/internal/numbering/service"
	"github.com/gestionly/veriledger/internal/observability/metrics"
	"github.com/gestionly/veriledger/internal/providers/email"
	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/gestionly/veriledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var seriesPattern = regexp.MustCompile(`^[A-Z][A-Z0-9-]{0,11}$`)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Clock      clock.Clock
	Settings   settingsdomain.Service
	Numbering  numberingdomain.Service
	Vault      certdomain.Service
	AuditSvc   auditdomain.Service
	Compliance compliancedomain.Service
	Email      email.Provider
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	cfg        config.Config
	clock      clock.Clock
	settings   settingsdomain.Service
	numbering  numberingdomain.Service
	vault      certdomain.Service
	auditSvc   auditdomain.Service
	compliance compliancedomain.Service
	email      email.Provider
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		cfg:        p.Cfg,
		clock:      p.Clock,
		settings:   p.Settings,
		numbering:  p.Numbering,
		vault:      p.Vault,
		auditSvc:   p.AuditSvc,
		compliance: p.Compliance,
		email:      p.Email,
	}
}

func (s *Service) CreateDraft(ctx context.Context, req invoicedomain.CreateDraftRequest) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	series := req.Series
	if series == "" {
		series = settings.DefaultSeries
	}
	if !seriesPattern.MatchString(series) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidSeries
	}

	currency := req.Currency
	if currency == "" {
		currency = settings.Currency
	}
	if !currencyPattern.MatchString(currency) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidCurrency
	}

	if req.RecipientName == "" || req.RecipientTaxID == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidRecipient
	}

	items, err := buildItems(req.Items, settings.DefaultTaxRateBP, false)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	subtotal, tax, total := totals(items)

	now := s.clock.Now()
	inv := invoicedomain.Invoice{
		ID:               s.genID.Generate(),
		WorkspaceID:      workspaceID,
		Series:           series,
		Type:             invoicedomain.TypeNormal,
		Status:           invoicedomain.StatusDraft,
		Currency:         currency,
		DueDate:          req.DueDate,
		RecipientName:    req.RecipientName,
		RecipientTaxID:   req.RecipientTaxID,
		RecipientAddress: req.RecipientAddress,
		RecipientEmail:   req.RecipientEmail,
		SubtotalAmount:   subtotal,
		TaxAmount:        tax,
		TotalAmount:      total,
		Notes:            req.Notes,
		AuthorityStatus:  invoicedomain.AuthorityNotRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(&inv).Error; err != nil {
			return err
		}
		if err := s.insertItems(ctx, tx, inv.ID, items, now); err != nil {
			return err
		}

		targetID := inv.ID.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.draft_created",
			TargetType:  "invoice",
			TargetID:    &targetID,
			After: map[string]any{
				"series":       inv.Series,
				"recipient":    inv.RecipientName,
				"total_amount": inv.TotalAmount,
				"item_count":   len(items),
			},
		})
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	inv.Items = items
	return inv, nil
}

func (s *Service) UpdateDraft(ctx context.Context, id snowflake.ID, req invoicedomain.UpdateDraftRequest) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}

	var result invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.load(ctx, tx, workspaceID, id, true)
		if err != nil {
			return err
		}
		if inv.Status != invoicedomain.StatusDraft {
			return invoicedomain.ErrInvoiceLocked
		}

		before := map[string]any{
			"recipient":    inv.RecipientName,
			"total_amount": inv.TotalAmount,
		}

		if req.Series != nil {
			if !seriesPattern.MatchString(*req.Series) {
				return invoicedomain.ErrInvalidSeries
			}
			inv.Series = *req.Series
		}
		if req.RecipientName != nil {
			if *req.RecipientName == "" {
				return invoicedomain.ErrInvalidRecipient
			}
			inv.RecipientName = *req.RecipientName
		}
		if req.RecipientTaxID != nil {
			if *req.RecipientTaxID == "" {
				return invoicedomain.ErrInvalidRecipient
			}
			inv.RecipientTaxID = *req.RecipientTaxID
		}
		if req.RecipientAddress != nil {
			inv.RecipientAddress = *req.RecipientAddress
		}
		if req.RecipientEmail != nil {
			inv.RecipientEmail = *req.RecipientEmail
		}
		if req.Currency != nil {
			if !currencyPattern.MatchString(*req.Currency) {
				return invoicedomain.ErrInvalidCurrency
			}
			inv.Currency = *req.Currency
		}
		if req.DueDate != nil {
			inv.DueDate = req.DueDate
		}
		if req.Notes != nil {
			inv.Notes = *req.Notes
		}

		now := s.clock.Now()
		if req.Items != nil {
			settings, err := s.settings.Get(ctx)
			if err != nil {
				return err
			}
			items, err := buildItems(req.Items, settings.DefaultTaxRateBP, inv.Type == invoicedomain.TypeRectificative)
			if err != nil {
				return err
			}
			if err := tx.WithContext(ctx).
				Where("invoice_id = ?", inv.ID).
				Delete(&invoicedomain.InvoiceItem{}).Error; err != nil {
				return err
			}
			if err := s.insertItems(ctx, tx, inv.ID, items, now); err != nil {
				return err
			}
			inv.SubtotalAmount, inv.TaxAmount, inv.TotalAmount = totals(items)
			inv.Items = items
		}

		inv.UpdatedAt = now
		// The status guard makes a concurrent finalize lose or win cleanly.
		res := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ? AND workspace_id = ? AND status = ?", inv.ID, workspaceID, invoicedomain.StatusDraft).
			Updates(map[string]any{
				"series":            inv.Series,
				"recipient_name":    inv.RecipientName,
				"recipient_tax_id":  inv.RecipientTaxID,
				"recipient_address": inv.RecipientAddress,
				"recipient_email":   inv.RecipientEmail,
				"currency":          inv.Currency,
				"due_date":          inv.DueDate,
				"notes":             inv.Notes,
				"subtotal_amount":   inv.SubtotalAmount,
				"tax_amount":        inv.TaxAmount,
				"total_amount":      inv.TotalAmount,
				"updated_at":        inv.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceLocked
		}

		targetID := inv.ID.String()
		if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.draft_updated",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Before:      before,
			After: map[string]any{
				"recipient":    inv.RecipientName,
				"total_amount": inv.TotalAmount,
			},
		}); err != nil {
			return err
		}

		result = *inv
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return result, nil
}

func (s *Service) DeleteDraft(ctx context.Context, id snowflake.ID) error {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.ErrInvalidWorkspace
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.load(ctx, tx, workspaceID, id, false)
		if err != nil {
			return err
		}
		if inv.Status != invoicedomain.StatusDraft {
			return invoicedomain.ErrInvoiceLocked
		}

		res := tx.WithContext(ctx).
			Where("id = ? AND workspace_id = ? AND status = ?", id, workspaceID, invoicedomain.StatusDraft).
			Delete(&invoicedomain.Invoice{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceLocked
		}
		if err := tx.WithContext(ctx).
			Where("invoice_id = ?", id).
			Delete(&invoicedomain.InvoiceItem{}).Error; err != nil {
			return err
		}

		targetID := id.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.draft_deleted",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Before: map[string]any{
				"series":       inv.Series,
				"total_amount": inv.TotalAmount,
			},
		})
	})
}

// Finalize moves a draft into the append-only ledger. Number assignment,
// chain linkage, signature and the durable write commit in one transaction;
// any failure rolls the whole thing back, which also releases the reserved
// number. Authority submission happens after commit and never blocks the
// caller.
func (s *Service) Finalize(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if settings.IssuerName == "" || settings.IssuerTaxID == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrIssuerNotConfigured
	}

	var result invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.load(ctx, tx, workspaceID, id, true)
		if err != nil {
			return err
		}
		if inv.Status != invoicedomain.StatusDraft {
			return invoicedomain.ErrInvoiceNotDraft
		}
		if len(inv.Items) == 0 {
			return invoicedomain.ErrNoItems
		}

		// The series row lock taken here is the critical section: it
		// serializes number assignment and chain-head reads for the series.
		number, err := s.numbering.Next(ctx, tx, workspaceID, inv.Series)
		if err != nil {
			return err
		}

		previous, err := s.previousDigest(ctx, tx, workspaceID, inv.Series, number)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		issueDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		dueDate := inv.DueDate
		if dueDate == nil {
			d := issueDate.AddDate(0, 0, int(settings.PaymentTermsDays))
			dueDate = &d
		}

		digest := canonical.Digest(canonicalInvoice(inv, settings, number, issueDate), previous)

		sig, err := s.vault.Sign(ctx, workspaceID, []byte(digest))
		if err != nil {
			return err
		}

		display := numberingservice.FormatNumber(inv.Series, number)
		submissionID := compliancedomain.SubmissionID(workspaceID, inv.Series, number)
		qr := compliancedomain.VerificationPayload(
			s.cfg.VerifyBaseURL, settings.IssuerTaxID, display, issueDate, inv.TotalAmount, digest)

		res := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ? AND workspace_id = ? AND status = ?", inv.ID, workspaceID, invoicedomain.StatusDraft).
			Updates(map[string]any{
				"number":               number,
				"status":               invoicedomain.StatusFinalized,
				"issue_date":           issueDate,
				"due_date":             dueDate,
				"issuer_name":          settings.IssuerName,
				"issuer_tax_id":        settings.IssuerTaxID,
				"issuer_address":       settings.IssuerAddress,
				"chain_previous_hash":  previous,
				"chain_hash":           digest,
				"signature_value":      sig.Value,
				"signature_algorithm":  sig.Algorithm,
				"certificate_serial":   sig.CertificateSerial,
				"verification_payload": qr,
				"authority_status":     invoicedomain.AuthorityPending,
				"submission_id":        submissionID,
				"finalized_at":         now,
				"updated_at":           now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceNotDraft
		}

		if inv.Type == invoicedomain.TypeRectificative && inv.RelatedInvoiceID != nil {
			if err := s.markRectified(ctx, tx, workspaceID, *inv.RelatedInvoiceID, inv.ID); err != nil {
				return err
			}
		}

		targetID := inv.ID.String()
		if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.finalized",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Before:      map[string]any{"status": invoicedomain.StatusDraft},
			After: map[string]any{
				"status":       invoicedomain.StatusFinalized,
				"number":       display,
				"chain_hash":   digest,
				"total_amount": inv.TotalAmount,
			},
		}); err != nil {
			return err
		}

		inv.Number = &number
		inv.Status = invoicedomain.StatusFinalized
		inv.IssueDate = &issueDate
		inv.DueDate = dueDate
		inv.IssuerName = settings.IssuerName
		inv.IssuerTaxID = settings.IssuerTaxID
		inv.IssuerAddress = settings.IssuerAddress
		inv.ChainPreviousHash = &previous
		inv.ChainHash = &digest
		inv.SignatureValue = sig.Value
		inv.SignatureAlgorithm = sig.Algorithm
		inv.CertificateSerial = sig.CertificateSerial
		inv.VerificationPayload = qr
		inv.AuthorityStatus = invoicedomain.AuthorityPending
		inv.SubmissionID = &submissionID
		inv.FinalizedAt = &now
		inv.UpdatedAt = now
		result = *inv
		return nil
	})
	if err != nil {
		metrics.Ledger().IncFinalize("error")
		return invoicedomain.Invoice{}, err
	}
	metrics.Ledger().IncFinalize("ok")

	s.log.Info("invoice finalized",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("invoice_id", result.ID.String()),
		zap.String("number", numberingservice.FormatNumber(result.Series, *result.Number)),
	)

	go s.afterFinalize(workspaceID, result)

	return result, nil
}

// afterFinalize runs submission and the recipient email outside the ledger
// transaction. Both are recoverable: submission retries via the scheduler,
// email is best effort.
func (s *Service) afterFinalize(workspaceID snowflake.ID, inv invoicedomain.Invoice) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = workspacectx.WithWorkspaceID(ctx, workspaceID)

	if err := s.compliance.Submit(ctx, inv.ID); err != nil {
		s.log.Warn("initial authority submission failed, scheduler will retry",
			zap.String("invoice_id", inv.ID.String()),
			zap.Error(err),
		)
	}

	if inv.RecipientEmail != "" {
		display := numberingservice.FormatNumber(inv.Series, *inv.Number)
		msg := email.Message{
			To:      inv.RecipientEmail,
			Subject: fmt.Sprintf("Invoice %s from %s", display, inv.IssuerName),
			Body: fmt.Sprintf(
				"Invoice %s issued on %s.\nTotal: %s %s\n\nVerify: %s\n",
				display,
				inv.IssueDate.Format("2006-01-02"),
				compliancedomain.FormatAmount(inv.TotalAmount),
				inv.Currency,
				inv.VerificationPayload,
			),
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.log.Warn("invoice email failed",
				zap.String("invoice_id", inv.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}

	var result invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.load(ctx, tx, workspaceID, id, true)
		if err != nil {
			return err
		}
		switch inv.Status {
		case invoicedomain.StatusFinalized, invoicedomain.StatusOverdue:
		case invoicedomain.StatusDraft:
			return invoicedomain.ErrInvoiceNotFinalized
		case invoicedomain.StatusPaid:
			// Already paid. Repeating the call is a no-op.
			result = *inv
			return nil
		case invoicedomain.StatusRectified:
			return invoicedomain.ErrInvoiceRectified
		}

		now := s.clock.Now()
		res := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ? AND workspace_id = ? AND status IN ?",
				id, workspaceID, []invoicedomain.Status{invoicedomain.StatusFinalized, invoicedomain.StatusOverdue}).
			Updates(map[string]any{
				"status":     invoicedomain.StatusPaid,
				"paid_at":    now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		targetID := id.String()
		if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.paid",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Before:      map[string]any{"status": inv.Status},
			After:       map[string]any{"status": invoicedomain.StatusPaid},
		}); err != nil {
			return err
		}

		inv.Status = invoicedomain.StatusPaid
		inv.PaidAt = &now
		inv.UpdatedAt = now
		result = *inv
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return result, nil
}

// Duplicate copies any invoice's content into a fresh draft. Nothing from
// the compliance region crosses over: no number, no chain fields, no
// signature.
func (s *Service) Duplicate(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}

	source, err := s.Get(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	now := s.clock.Now()
	draft := invoicedomain.Invoice{
		ID:               s.genID.Generate(),
		WorkspaceID:      workspaceID,
		Series:           source.Series,
		Type:             invoicedomain.TypeNormal,
		Status:           invoicedomain.StatusDraft,
		Currency:         source.Currency,
		RecipientName:    source.RecipientName,
		RecipientTaxID:   source.RecipientTaxID,
		RecipientAddress: source.RecipientAddress,
		RecipientEmail:   source.RecipientEmail,
		SubtotalAmount:   source.SubtotalAmount,
		TaxAmount:        source.TaxAmount,
		TotalAmount:      source.TotalAmount,
		Notes:            source.Notes,
		AuthorityStatus:  invoicedomain.AuthorityNotRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	items := make([]invoicedomain.InvoiceItem, len(source.Items))
	for i, item := range source.Items {
		items[i] = invoicedomain.InvoiceItem{
			Position:      item.Position,
			Description:   item.Description,
			QuantityMilli: item.QuantityMilli,
			UnitAmount:    item.UnitAmount,
			DiscountBP:    item.DiscountBP,
			TaxRateBP:     item.TaxRateBP,
			Amount:        item.Amount,
			TaxAmount:     item.TaxAmount,
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(&draft).Error; err != nil {
			return err
		}
		if err := s.insertItems(ctx, tx, draft.ID, items, now); err != nil {
			return err
		}

		targetID := draft.ID.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.duplicated",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Metadata:    map[string]any{"source_invoice_id": source.ID.String()},
		})
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	draft.Items = items
	return draft, nil
}

// Rectify opens a corrective draft against a finalized invoice. By default
// the draft carries the full negation of the original's lines; callers may
// supply explicit corrective lines instead. The original is only marked
// rectified when the corrective draft finalizes.
func (s *Service) Rectify(ctx context.Context, id snowflake.ID, req invoicedomain.RectifyRequest) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}
	if req.Reason == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrMissingReason
	}

	source, err := s.Get(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	switch {
	case source.Status == invoicedomain.StatusDraft:
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFinalized
	case source.Status == invoicedomain.StatusRectified:
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceRectified
	case source.Type == invoicedomain.TypeRectificative:
		return invoicedomain.Invoice{}, invoicedomain.ErrRectifyRectificative
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	var items []invoicedomain.InvoiceItem
	if len(req.Items) > 0 {
		items, err = buildItems(req.Items, settings.DefaultTaxRateBP, true)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
	} else {
		items = make([]invoicedomain.InvoiceItem, len(source.Items))
		for i, item := range source.Items {
			items[i] = invoicedomain.InvoiceItem{
				Position:      item.Position,
				Description:   item.Description,
				QuantityMilli: -item.QuantityMilli,
				UnitAmount:    item.UnitAmount,
				DiscountBP:    item.DiscountBP,
				TaxRateBP:     item.TaxRateBP,
				Amount:        -item.Amount,
				TaxAmount:     -item.TaxAmount,
			}
		}
	}
	subtotal, tax, total := totals(items)

	now := s.clock.Now()
	sourceID := source.ID
	draft := invoicedomain.Invoice{
		ID:               s.genID.Generate(),
		WorkspaceID:      workspaceID,
		Series:           settings.RectificativeSeries,
		Type:             invoicedomain.TypeRectificative,
		Status:           invoicedomain.StatusDraft,
		Currency:         source.Currency,
		RecipientName:    source.RecipientName,
		RecipientTaxID:   source.RecipientTaxID,
		RecipientAddress: source.RecipientAddress,
		RecipientEmail:   source.RecipientEmail,
		SubtotalAmount:   subtotal,
		TaxAmount:        tax,
		TotalAmount:      total,
		Notes:            req.Reason,
		AuthorityStatus:  invoicedomain.AuthorityNotRequired,
		RelatedInvoiceID: &sourceID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(&draft).Error; err != nil {
			return err
		}
		if err := s.insertItems(ctx, tx, draft.ID, items, now); err != nil {
			return err
		}

		targetID := draft.ID.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.rectification_opened",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Metadata: map[string]any{
				"rectifies_invoice_id": source.ID.String(),
				"reason":               req.Reason,
			},
		})
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	draft.Items = items
	return draft, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidWorkspace
	}
	inv, err := s.load(ctx, s.db, workspaceID, id, true)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidWorkspace
	}

	limit := int32(req.PageSize)
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	query := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("workspace_id = ?", workspaceID)

	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Type != "" {
		query = query.Where("type = ?", req.Type)
	}
	if req.Series != "" {
		query = query.Where("series = ?", req.Series)
	}
	if req.RecipientTaxID != "" {
		query = query.Where("recipient_tax_id = ?", strings.TrimSpace(req.RecipientTaxID))
	}
	if req.AuthorityStatus != "" {
		query = query.Where("authority_status = ?", req.AuthorityStatus)
	}
	if req.IssuedFrom != nil {
		query = query.Where("issue_date >= ?", req.IssuedFrom)
	}
	if req.IssuedTo != nil {
		query = query.Where("issue_date <= ?", req.IssuedTo)
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			createdAt, createdAt, cursor.ID)
	}

	var rows []*invoicedomain.Invoice
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(int(limit) + 1).
		Find(&rows).Error; err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(inv *invoicedomain.Invoice) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        inv.ID.String(),
			CreatedAt: inv.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	if len(rows) > int(limit) {
		rows = rows[:limit]
	}
	invoices := make([]invoicedomain.Invoice, len(rows))
	for i, row := range rows {
		invoices[i] = *row
	}

	return invoicedomain.ListInvoiceResponse{
		PageInfo: *pageInfo,
		Invoices: invoices,
	}, nil
}

func (s *Service) NextNumberPreview(ctx context.Context, series string) (invoicedomain.NumberPreview, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return invoicedomain.NumberPreview{}, invoicedomain.ErrInvalidWorkspace
	}

	if series == "" {
		settings, err := s.settings.Get(ctx)
		if err != nil {
			return invoicedomain.NumberPreview{}, err
		}
		series = settings.DefaultSeries
	}
	if !seriesPattern.MatchString(series) {
		return invoicedomain.NumberPreview{}, invoicedomain.ErrInvalidSeries
	}

	next, err := s.numbering.Peek(ctx, workspaceID, series)
	if err != nil {
		return invoicedomain.NumberPreview{}, err
	}
	return invoicedomain.NumberPreview{
		Series:     series,
		NextNumber: next,
		Display:    numberingservice.FormatNumber(series, next),
	}, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, workspaceID, id snowflake.ID, withItems bool) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	query := tx.WithContext(ctx).Where("id = ? AND workspace_id = ?", id, workspaceID)
	if withItems {
		query = query.Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		})
	}
	if err := query.First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// previousDigest returns the chain head under the series lock: the genesis
// constant for number 1, otherwise the stored digest of number-1. A missing
// predecessor means the ledger was tampered with and finalize must not
// extend it.
func (s *Service) previousDigest(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID, series string, number int64) (string, error) {
	if number == 1 {
		return canonical.Genesis(workspaceID, series), nil
	}

	var digest string
	err := tx.WithContext(ctx).Raw(
		`SELECT chain_hash
		 FROM invoices
		 WHERE workspace_id = ? AND series = ? AND number = ?`,
		workspaceID, series, number-1,
	).Scan(&digest).Error
	if err != nil {
		return "", err
	}
	if digest == "" {
		return "", fmt.Errorf("chain head missing for %s at number %d", series, number-1)
	}
	return digest, nil
}

func (s *Service) markRectified(ctx context.Context, tx *gorm.DB, workspaceID, originalID, rectificativeID snowflake.ID) error {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ? AND workspace_id = ? AND status IN ?",
			originalID, workspaceID,
			[]invoicedomain.Status{invoicedomain.StatusFinalized, invoicedomain.StatusPaid, invoicedomain.StatusOverdue}).
		Updates(map[string]any{
			"status":     invoicedomain.StatusRectified,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invoicedomain.ErrInvoiceRectified
	}

	targetID := originalID.String()
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		WorkspaceID: &workspaceID,
		Action:      "invoice.rectified",
		TargetType:  "invoice",
		TargetID:    &targetID,
		After:       map[string]any{"status": invoicedomain.StatusRectified},
		Metadata:    map[string]any{"rectified_by": rectificativeID.String()},
	})
}

func (s *Service) insertItems(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, items []invoicedomain.InvoiceItem, now time.Time) error {
	for i := range items {
		items[i].ID = s.genID.Generate()
		items[i].InvoiceID = invoiceID
		items[i].CreatedAt = now
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func canonicalInvoice(inv *invoicedomain.Invoice, settings settingsdomain.InvoiceSettings, number int64, issueDate time.Time) canonical.Invoice {
	items := make([]canonical.Item, len(inv.Items))
	for i, item := range inv.Items {
		items[i] = canonical.Item{
			Position:      item.Position,
			Description:   item.Description,
			QuantityMilli: item.QuantityMilli,
			UnitAmount:    item.UnitAmount,
			DiscountBP:    item.DiscountBP,
			TaxRateBP:     item.TaxRateBP,
			Amount:        item.Amount,
		}
	}
	return canonical.Invoice{
		Series:         inv.Series,
		Number:         number,
		IssueDate:      issueDate,
		Currency:       inv.Currency,
		IssuerTaxID:    settings.IssuerTaxID,
		IssuerName:     settings.IssuerName,
		RecipientTaxID: inv.RecipientTaxID,
		RecipientName:  inv.RecipientName,
		Items:          items,
		TaxAmount:      inv.TaxAmount,
		TotalAmount:    inv.TotalAmount,
	}
}

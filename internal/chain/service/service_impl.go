package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gestionly/veriledger/internal/chain/canonical"
	chaindomain "github.com/gestionly/veriledger/internal/chain/domain"
	obsmetrics "github.com/gestionly/veriledger/internal/observability/metrics"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) chaindomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("chain.service"),
	}
}

type invoiceRow struct {
	ID                snowflake.ID
	Series            string
	Number            int64
	IssueDate         time.Time
	Currency          string
	IssuerTaxID       string
	IssuerName        string
	RecipientTaxID    string
	RecipientName     string
	TaxAmount         int64
	TotalAmount       int64
	ChainHash         string
	ChainPreviousHash string
}

type itemRow struct {
	InvoiceID     snowflake.ID
	Position      int32
	Description   string
	QuantityMilli int64
	UnitAmount    int64
	DiscountBP    int32
	TaxRateBP     int32
	Amount        int64
}

// Verify recomputes every digest in the series and checks linkage and number
// contiguity. Read-only and lock-free by design.
func (s *Service) Verify(ctx context.Context, series string) (chaindomain.VerifyReport, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return chaindomain.VerifyReport{}, chaindomain.ErrInvalidWorkspace
	}
	series = strings.ToUpper(strings.TrimSpace(series))
	if series == "" {
		return chaindomain.VerifyReport{}, chaindomain.ErrInvalidSeries
	}

	rows, err := s.listFinalized(ctx, workspaceID, series)
	if err != nil {
		return chaindomain.VerifyReport{}, err
	}

	report := chaindomain.VerifyReport{
		Series: series,
		Length: len(rows),
		OK:     true,
	}

	previous := canonical.Genesis(workspaceID, series)
	expectedNumber := int64(1)
	for _, row := range rows {
		if row.Number != expectedNumber {
			report.OK = false
			report.FailurePosition = expectedNumber
			report.FailureKind = chaindomain.FailureMissingNumber
			report.Detail = fmt.Sprintf("expected number %d, found %d", expectedNumber, row.Number)
			break
		}

		if row.ChainPreviousHash != previous {
			report.OK = false
			report.FailurePosition = row.Number
			report.FailureKind = chaindomain.FailureBrokenLink
			report.Detail = fmt.Sprintf("invoice %d does not link to the prior digest", row.Number)
			break
		}

		items, err := s.listItems(ctx, row.ID)
		if err != nil {
			return chaindomain.VerifyReport{}, err
		}

		recomputed := canonical.Digest(canonicalInvoice(row, items), previous)
		if recomputed != row.ChainHash {
			report.OK = false
			report.FailurePosition = row.Number
			report.FailureKind = chaindomain.FailureDigestMismatch
			report.Detail = fmt.Sprintf("stored digest of invoice %d does not match its content", row.Number)
			break
		}

		previous = row.ChainHash
		expectedNumber++
	}

	result := "pass"
	if !report.OK {
		result = string(report.FailureKind)
		s.log.Warn("chain verification failed",
			zap.String("series", series),
			zap.Int64("position", report.FailurePosition),
			zap.String("kind", string(report.FailureKind)),
		)
	}
	obsmetrics.Ledger().IncChainVerify(result)

	return report, nil
}

func (s *Service) listFinalized(ctx context.Context, workspaceID snowflake.ID, series string) ([]invoiceRow, error) {
	var rows []invoiceRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, series, number, issue_date, currency,
		        issuer_tax_id, issuer_name, recipient_tax_id, recipient_name,
		        tax_amount, total_amount, chain_hash, chain_previous_hash
		 FROM invoices
		 WHERE workspace_id = ? AND series = ? AND number IS NOT NULL
		 ORDER BY number ASC`,
		workspaceID,
		series,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) listItems(ctx context.Context, invoiceID snowflake.ID) ([]itemRow, error) {
	var rows []itemRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT invoice_id, position, description, quantity_milli,
		        unit_amount, discount_bp, tax_rate_bp, amount
		 FROM invoice_items
		 WHERE invoice_id = ?
		 ORDER BY position ASC`,
		invoiceID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func canonicalInvoice(row invoiceRow, items []itemRow) canonical.Invoice {
	lines := make([]canonical.Item, 0, len(items))
	for _, item := range items {
		lines = append(lines, canonical.Item{
			Position:      item.Position,
			Description:   item.Description,
			QuantityMilli: item.QuantityMilli,
			UnitAmount:    item.UnitAmount,
			DiscountBP:    item.DiscountBP,
			TaxRateBP:     item.TaxRateBP,
			Amount:        item.Amount,
		})
	}

	return canonical.Invoice{
		Series:         row.Series,
		Number:         row.Number,
		IssueDate:      row.IssueDate,
		Currency:       row.Currency,
		IssuerTaxID:    row.IssuerTaxID,
		IssuerName:     row.IssuerName,
		RecipientTaxID: row.RecipientTaxID,
		RecipientName:  row.RecipientName,
		Items:          lines,
		TaxAmount:      row.TaxAmount,
		TotalAmount:    row.TotalAmount,
	}
}

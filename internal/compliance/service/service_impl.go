package service

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gestionly/veriledger/internal/clock"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"github.com/gestionly/veriledger/internal/config"
	"github.com/gestionly/veriledger/internal/observability/metrics"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Holder   *config.ComplianceConfigHolder
	Client   compliancedomain.Client
	Vault    certdomain.Service
	AuditSvc auditdomain.Service
	Clock    clock.Clock
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	holder   *config.ComplianceConfigHolder
	client   compliancedomain.Client
	vault    certdomain.Service
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) compliancedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("compliance.service"),
		cfg:      p.Cfg,
		holder:   p.Holder,
		client:   p.Client,
		vault:    p.Vault,
		auditSvc: p.AuditSvc,
		clock:    p.Clock,
	}
}

// submissionRow is the minimal projection of an invoice needed to build and
// settle a submission.
type submissionRow struct {
	ID                snowflake.ID
	WorkspaceID       snowflake.ID
	Series            string
	Number            *int64
	IssueDate         *time.Time
	IssuerTaxID       string
	RecipientTaxID    string
	TaxAmount         int64
	TotalAmount       int64
	ChainHash         *string
	ChainPreviousHash *string
	SignatureValue    []byte
	CertificateSerial string
	SubmissionID      *string
	AuthorityStatus   string
	RetryCount        int32
}

// Submit sends one finalized invoice to the authority and settles the
// outcome. Safe to call repeatedly: an already-accepted invoice is a no-op
// and every attempt reuses the submission id frozen at finalize.
func (s *Service) Submit(ctx context.Context, invoiceID snowflake.ID) error {
	row, err := s.loadRow(ctx, invoiceID)
	if err != nil {
		return err
	}

	switch row.AuthorityStatus {
	case string(compliancedomain.OutcomePending):
	case string(compliancedomain.OutcomeAccepted):
		return nil
	default:
		return compliancedomain.ErrNotSubmittable
	}
	if row.Number == nil || row.ChainHash == nil || row.SubmissionID == nil || row.IssueDate == nil {
		return compliancedomain.ErrNotSubmittable
	}

	sub := compliancedomain.Submission{
		SubmissionID:      *row.SubmissionID,
		Series:            row.Series,
		Number:            *row.Number,
		IssueDate:         *row.IssueDate,
		IssuerTaxID:       row.IssuerTaxID,
		RecipientTaxID:    row.RecipientTaxID,
		TaxAmount:         row.TaxAmount,
		TotalAmount:       row.TotalAmount,
		ChainHash:         *row.ChainHash,
		PreviousChainHash: deref(row.ChainPreviousHash),
		Signature:         encodeSignature(row.SignatureValue),
		CertificateSerial: row.CertificateSerial,
	}

	cfg := s.holder.Get()
	callCtx, cancel := context.WithTimeout(ctx, cfg.SubmitTimeout)
	start := time.Now()
	outcome, err := s.client.Submit(callCtx, sub)
	cancel()
	metrics.Ledger().ObserveSubmissionDuration(time.Since(start))

	if err != nil {
		metrics.Ledger().IncSubmission("error")
		if scheduleErr := s.scheduleRetry(ctx, row, cfg); scheduleErr != nil {
			s.log.Error("failed to schedule submission retry",
				zap.String("invoice_id", row.ID.String()),
				zap.Error(scheduleErr),
			)
		}
		return err
	}

	metrics.Ledger().IncSubmission(string(outcome.Kind))
	switch outcome.Kind {
	case compliancedomain.OutcomeAccepted:
		return s.settle(ctx, row, compliancedomain.OutcomeAccepted, "")
	case compliancedomain.OutcomeRejected:
		return s.settle(ctx, row, compliancedomain.OutcomeRejected, outcome.Reason)
	default:
		return s.scheduleRetry(ctx, row, cfg)
	}
}

// RetryPending drains due retries. Called by the scheduler; batchSize bounds
// one run so a backlog never starves other jobs.
func (s *Service) RetryPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	metrics.Ledger().IncRetryRun()

	now := s.clock.Now()
	var rows []struct {
		ID          snowflake.ID
		WorkspaceID snowflake.ID
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, workspace_id
		 FROM invoices
		 WHERE authority_status = ? AND submission_id IS NOT NULL
		   AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?`,
		string(compliancedomain.OutcomePending), now, batchSize,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		rowCtx := workspacectx.WithWorkspaceID(ctx, row.WorkspaceID)
		if err := s.Submit(rowCtx, row.ID); err != nil {
			s.log.Warn("submission retry failed",
				zap.String("invoice_id", row.ID.String()),
				zap.Error(err),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

// SelfCheck exercises the signing path end to end with a probe digest and
// reports whether the authority transport is configured. No persistent state
// is touched.
func (s *Service) SelfCheck(ctx context.Context) (compliancedomain.SelfCheckReport, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return compliancedomain.SelfCheckReport{}, compliancedomain.ErrInvalidWorkspace
	}

	report := compliancedomain.SelfCheckReport{}

	probe := []byte("veriledger-selfcheck-" + s.clock.Now().Format(time.RFC3339))
	sig, err := s.vault.Sign(ctx, workspaceID, probe)
	if err != nil {
		report.Detail = err.Error()
		return report, nil
	}
	report.CertificateOK = true

	if err := s.vault.VerifySignature(ctx, workspaceID, probe, sig.Value); err != nil {
		report.Detail = err.Error()
		return report, nil
	}
	report.SignatureOK = true

	switch s.cfg.AuthorityMode {
	case "fake":
		report.AuthorityOK = true
	default:
		report.AuthorityOK = s.cfg.AuthorityEndpoint != ""
		if !report.AuthorityOK {
			report.Detail = "authority endpoint not configured"
		}
	}
	return report, nil
}

func (s *Service) loadRow(ctx context.Context, invoiceID snowflake.ID) (*submissionRow, error) {
	var row submissionRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, workspace_id, series, number, issue_date, issuer_tax_id,
		        recipient_tax_id, tax_amount, total_amount, chain_hash,
		        chain_previous_hash, signature_value, certificate_serial,
		        submission_id, authority_status, retry_count
		 FROM invoices
		 WHERE id = ?`,
		invoiceID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, compliancedomain.ErrInvoiceNotFound
	}
	return &row, nil
}

func (s *Service) settle(ctx context.Context, row *submissionRow, kind compliancedomain.OutcomeKind, reason string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET authority_status = ?, authority_reason = ?,
			     submitted_at = ?, next_retry_at = NULL, updated_at = ?
			 WHERE id = ? AND authority_status = ?`,
			string(kind), nullableString(reason), now, now,
			row.ID, string(compliancedomain.OutcomePending),
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost a race with another settle; the first writer wins.
			return nil
		}

		targetID := row.ID.String()
		entry := auditdomain.Entry{
			WorkspaceID: &row.WorkspaceID,
			Action:      "invoice.submission_" + string(kind),
			TargetType:  "invoice",
			TargetID:    &targetID,
			Metadata: map[string]any{
				"submission_id": deref(row.SubmissionID),
				"attempts":      row.RetryCount + 1,
			},
		}
		if reason != "" {
			entry.Metadata["reason"] = reason
		}
		return s.auditSvc.Record(ctx, tx, entry)
	})
}

// scheduleRetry bumps the attempt counter and computes the next due time
// with exponential backoff. Past the attempt cap the invoice stays pending
// but leaves the retry queue; operators see it via the exhausted audit entry.
func (s *Service) scheduleRetry(ctx context.Context, row *submissionRow, cfg config.ComplianceConfig) error {
	now := s.clock.Now()
	attempt := row.RetryCount + 1

	if int(attempt) >= cfg.RetryMaxAttempts {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE invoices
				 SET retry_count = ?, next_retry_at = NULL, updated_at = ?
				 WHERE id = ?`,
				attempt, now, row.ID,
			).Error; err != nil {
				return err
			}
			targetID := row.ID.String()
			return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
				WorkspaceID: &row.WorkspaceID,
				Action:      "invoice.submission_exhausted",
				TargetType:  "invoice",
				TargetID:    &targetID,
				Metadata: map[string]any{
					"submission_id": deref(row.SubmissionID),
					"attempts":      attempt,
				},
			})
		})
	}

	delay := cfg.RetryBaseDelay
	for i := int32(0); i < row.RetryCount && delay < cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	next := now.Add(delay)

	return s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET retry_count = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		attempt, next, now, row.ID,
	).Error
}

func encodeSignature(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(value)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

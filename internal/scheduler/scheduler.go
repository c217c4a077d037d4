// Package scheduler runs the background jobs the ledger needs to stay
// current: draining the authority retry queue and flipping past-due
// invoices to overdue. One run is cheap and idempotent; overlapping runs
// behind a slow database converge on the same state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	"github.com/gestionly/veriledger/internal/auditcontext"
	"github.com/gestionly/veriledger/internal/clock"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	ComplianceSvc compliancedomain.Service
	AuditSvc      auditdomain.Service
	Clock         clock.Clock
	Config        Config `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	complianceSvc compliancedomain.Service
	auditSvc      auditdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.ComplianceSvc == nil || p.AuditSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler"),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		complianceSvc: p.ComplianceSvc,
		auditSvc:      p.AuditSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	start := s.clock.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	log := s.log.With(zap.String("job", name), zap.Duration("elapsed", elapsed))
	if err == nil {
		log.Debug("job finished")
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: the next tick picks up where this one stopped.
		log.Warn("job timed out", zap.Error(err))
		return nil
	}
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every job a single time. Exposed for tests and for the
// run loop.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "submit_pending", s.SubmitPendingJob))
	err = errors.Join(err, s.runJob(parent, "mark_overdue", s.MarkOverdueJob))
	return err
}

// SubmitPendingJob drains authority submissions whose retry time has come.
func (s *Scheduler) SubmitPendingJob(ctx context.Context) error {
	settled, err := s.complianceSvc.RetryPending(ctx, s.cfg.RetryBatchSize)
	if settled > 0 {
		s.log.Info("submission retries settled", zap.Int("count", settled))
	}
	return err
}

// MarkOverdueJob flips finalized invoices past their due date to overdue.
// Each flip is its own guarded transaction with an audit entry, so a crash
// mid-batch loses nothing.
func (s *Scheduler) MarkOverdueJob(ctx context.Context) error {
	now := s.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var rows []struct {
		ID          snowflake.ID
		WorkspaceID snowflake.ID
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, workspace_id
		 FROM invoices
		 WHERE status = ? AND due_date IS NOT NULL AND due_date < ?
		 ORDER BY due_date ASC
		 LIMIT ?`,
		invoicedomain.StatusFinalized, today, s.cfg.OverdueBatchSize,
	).Scan(&rows).Error
	if err != nil {
		return err
	}

	var flipped int
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowCtx := workspacectx.WithWorkspaceID(ctx, row.WorkspaceID)
		if err := s.markOverdue(rowCtx, row.WorkspaceID, row.ID); err != nil {
			s.log.Warn("overdue flip failed",
				zap.String("invoice_id", row.ID.String()),
				zap.Error(err),
			)
			continue
		}
		flipped++
	}
	if flipped > 0 {
		s.log.Info("invoices marked overdue", zap.Int("count", flipped))
	}
	return nil
}

func (s *Scheduler) markOverdue(ctx context.Context, workspaceID, invoiceID snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, updated_at = ?
			 WHERE id = ? AND workspace_id = ? AND status = ?`,
			invoicedomain.StatusOverdue, now,
			invoiceID, workspaceID, invoicedomain.StatusFinalized,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Paid or rectified since the select; nothing to do.
			return nil
		}

		targetID := invoiceID.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "invoice.overdue",
			TargetType:  "invoice",
			TargetID:    &targetID,
			Before:      map[string]any{"status": invoicedomain.StatusFinalized},
			After:       map[string]any{"status": invoicedomain.StatusOverdue},
		})
	})
}

// RunForever ticks RunOnce until the context ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

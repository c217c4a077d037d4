package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	auditrepository "github.com/gestionly/veriledger/internal/audit/repository"
	auditservice "github.com/gestionly/veriledger/internal/audit/service"
	"github.com/gestionly/veriledger/internal/clock"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordingCompliance satisfies the compliance contract with canned results
// so scheduler behavior can be observed in isolation.
type recordingCompliance struct {
	retryCalls   int
	retryBatch   int
	retrySettled int
	retryErr     error
}

func (c *recordingCompliance) Submit(context.Context, snowflake.ID) error { return nil }

func (c *recordingCompliance) RetryPending(_ context.Context, batchSize int) (int, error) {
	c.retryCalls++
	c.retryBatch = batchSize
	return c.retrySettled, c.retryErr
}

func (c *recordingCompliance) SelfCheck(context.Context) (compliancedomain.SelfCheckReport, error) {
	return compliancedomain.SelfCheckReport{}, nil
}

type harness struct {
	db         *gorm.DB
	sched      *Scheduler
	compliance *recordingCompliance
	clk        *clock.FakeClock
	node       *snowflake.Node
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepository.Provide(),
	})
	compliance := &recordingCompliance{}
	sched, err := New(Params{
		DB:            db,
		Log:           log,
		ComplianceSvc: compliance,
		AuditSvc:      auditSvc,
		Clock:         clk,
		Config:        cfg,
	})
	require.NoError(t, err)

	return &harness{db: db, sched: sched, compliance: compliance, clk: clk, node: node}
}

func (h *harness) seedInvoice(t *testing.T, status invoicedomain.Status, dueDate time.Time) invoicedomain.Invoice {
	t.Helper()
	num := h.node.Generate().Int64()
	inv := invoicedomain.Invoice{
		ID:              h.node.Generate(),
		WorkspaceID:     h.node.Generate(),
		Series:          "F",
		Number:          &num,
		Type:            invoicedomain.TypeNormal,
		Status:          status,
		DueDate:         &dueDate,
		Currency:        "EUR",
		RecipientName:   "Cliente SA",
		RecipientTaxID:  "X9999999R",
		AuthorityStatus: invoicedomain.AuthorityAccepted,
	}
	require.NoError(t, h.db.Create(&inv).Error)
	return inv
}

func (h *harness) status(t *testing.T, id snowflake.ID) invoicedomain.Status {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, h.db.Where("id = ?", id).First(&inv).Error)
	return inv.Status
}

func TestMarkOverdueFlipsPastDueInvoices(t *testing.T) {
	h := newHarness(t, Config{})
	now := h.clk.Now()

	pastDue := h.seedInvoice(t, invoicedomain.StatusFinalized, now.AddDate(0, 0, -5))
	dueToday := h.seedInvoice(t, invoicedomain.StatusFinalized, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	future := h.seedInvoice(t, invoicedomain.StatusFinalized, now.AddDate(0, 0, 10))
	paid := h.seedInvoice(t, invoicedomain.StatusPaid, now.AddDate(0, 0, -5))
	draft := h.seedInvoice(t, invoicedomain.StatusDraft, now.AddDate(0, 0, -5))

	require.NoError(t, h.sched.MarkOverdueJob(context.Background()))

	assert.Equal(t, invoicedomain.StatusOverdue, h.status(t, pastDue.ID))
	// Due today is not yet past due.
	assert.Equal(t, invoicedomain.StatusFinalized, h.status(t, dueToday.ID))
	assert.Equal(t, invoicedomain.StatusFinalized, h.status(t, future.ID))
	assert.Equal(t, invoicedomain.StatusPaid, h.status(t, paid.ID))
	assert.Equal(t, invoicedomain.StatusDraft, h.status(t, draft.ID))

	var auditCount int64
	require.NoError(t, h.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "invoice.overdue").
		Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestMarkOverdueIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	inv := h.seedInvoice(t, invoicedomain.StatusFinalized, h.clk.Now().AddDate(0, 0, -1))

	require.NoError(t, h.sched.MarkOverdueJob(context.Background()))
	require.NoError(t, h.sched.MarkOverdueJob(context.Background()))

	assert.Equal(t, invoicedomain.StatusOverdue, h.status(t, inv.ID))

	var auditCount int64
	require.NoError(t, h.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "invoice.overdue").
		Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestRunOncePassesBatchSizeToRetryQueue(t *testing.T) {
	h := newHarness(t, Config{RetryBatchSize: 7})
	h.compliance.retrySettled = 3

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, 1, h.compliance.retryCalls)
	assert.Equal(t, 7, h.compliance.retryBatch)
}

func TestRunOnceJoinsJobFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.compliance.retryErr = errors.New("authority transport broken")

	err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit_pending")
}

func TestRunOnceTreatsTimeoutAsSoftFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.compliance.retryErr = context.DeadlineExceeded

	assert.NoError(t, h.sched.RunOnce(context.Background()))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, 50, cfg.RetryBatchSize)
	assert.Equal(t, 100, cfg.OverdueBatchSize)

	custom := Config{RunInterval: time.Second, RetryBatchSize: 5}.withDefaults()
	assert.Equal(t, time.Second, custom.RunInterval)
	assert.Equal(t, 5, custom.RetryBatchSize)
	assert.Equal(t, 30*time.Second, custom.JobTimeout)
}

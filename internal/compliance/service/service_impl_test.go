package service

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
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gestionly/veriledger/internal/clock"
	"github.com/gestionly/veriledger/internal/compliance/authority"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"github.com/gestionly/veriledger/internal/config"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type probeVault struct {
	signErr error
}

func (v *probeVault) Upload(context.Context, []byte, string) (certdomain.Status, error) {
	return certdomain.Status{}, nil
}

func (v *probeVault) Sign(_ context.Context, _ snowflake.ID, digest []byte) (certdomain.Signature, error) {
	if v.signErr != nil {
		return certdomain.Signature{}, v.signErr
	}
	return certdomain.Signature{Value: append([]byte("probe:"), digest...), Algorithm: "rsa"}, nil
}

func (v *probeVault) VerifySignature(_ context.Context, _ snowflake.ID, digest []byte, signature []byte) error {
	if string(signature) != "probe:"+string(digest) {
		return certdomain.ErrBadSignature
	}
	return nil
}

func (v *probeVault) Revoke(context.Context) (certdomain.Status, error) {
	return certdomain.Status{}, nil
}

func (v *probeVault) Status(context.Context) (certdomain.Status, error) {
	return certdomain.Status{}, nil
}

type harness struct {
	db          *gorm.DB
	svc         compliancedomain.Service
	client      *authority.FakeClient
	vault       *probeVault
	clk         *clock.FakeClock
	node        *snowflake.Node
	workspaceID snowflake.ID
	ctx         context.Context
}

func newHarness(t *testing.T, cfg config.ComplianceConfig) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepository.Provide(),
	})
	client := authority.NewFakeClient()
	vault := &probeVault{}
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		Cfg:      config.Config{AuthorityMode: "fake"},
		Holder:   config.NewStaticComplianceConfigHolder(cfg),
		Client:   client,
		Vault:    vault,
		AuditSvc: auditSvc,
		Clock:    clk,
	})

	workspaceID := node.Generate()
	return &harness{
		db:          db,
		svc:         svc,
		client:      client,
		vault:       vault,
		clk:         clk,
		node:        node,
		workspaceID: workspaceID,
		ctx:         workspacectx.WithWorkspaceID(context.Background(), workspaceID),
	}
}

func retryConfig(maxAttempts int) config.ComplianceConfig {
	return config.ComplianceConfig{
		SubmitTimeout:    5 * time.Second,
		RetryBaseDelay:   time.Minute,
		RetryMaxDelay:    time.Hour,
		RetryMaxAttempts: maxAttempts,
	}
}

// seedPending inserts a finalized invoice awaiting submission, the exact
// shape Finalize leaves behind.
func (h *harness) seedPending(t *testing.T, series string, number int64) invoicedomain.Invoice {
	t.Helper()
	now := h.clk.Now()
	issueDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	num := number
	digest := fmt.Sprintf("%064d", number)
	previous := fmt.Sprintf("%064d", number-1)
	submissionID := compliancedomain.SubmissionID(h.workspaceID, series, number)

	inv := invoicedomain.Invoice{
		ID:                 h.node.Generate(),
		WorkspaceID:        h.workspaceID,
		Series:             series,
		Number:             &num,
		Type:               invoicedomain.TypeNormal,
		Status:             invoicedomain.StatusFinalized,
		IssueDate:          &issueDate,
		Currency:           "EUR",
		IssuerName:         "Acme SL",
		IssuerTaxID:        "B12345678",
		RecipientName:      "Cliente SA",
		RecipientTaxID:     "X9999999R",
		SubtotalAmount:     10000,
		TaxAmount:          2100,
		TotalAmount:        12100,
		ChainPreviousHash:  &previous,
		ChainHash:          &digest,
		SignatureValue:     []byte("signature"),
		SignatureAlgorithm: "rsa",
		CertificateSerial:  "f00d",
		AuthorityStatus:    invoicedomain.AuthorityPending,
		SubmissionID:       &submissionID,
		FinalizedAt:        &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, h.db.Create(&inv).Error)
	return inv
}

func (h *harness) reload(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, h.db.Where("id = ?", id).First(&inv).Error)
	return inv
}

func (h *harness) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", action).
		Count(&count).Error)
	return count
}

func TestSubmitAcceptedSettles(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	inv := h.seedPending(t, "F", 1)

	require.NoError(t, h.svc.Submit(h.ctx, inv.ID))

	row := h.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.AuthorityAccepted, row.AuthorityStatus)
	require.NotNil(t, row.SubmittedAt)
	assert.Nil(t, row.NextRetryAt)
	assert.Equal(t, int64(1), h.auditCount(t, "invoice.submission_accepted"))

	// Resubmitting an accepted invoice never reaches the authority again.
	require.NoError(t, h.svc.Submit(h.ctx, inv.ID))
	assert.Equal(t, 1, h.client.Calls(*inv.SubmissionID))
	assert.Equal(t, int64(1), h.auditCount(t, "invoice.submission_accepted"))
}

func TestSubmitRejectedStoresReason(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	h.client.Decide = func(compliancedomain.Submission) (compliancedomain.Outcome, error) {
		return compliancedomain.Outcome{Kind: compliancedomain.OutcomeRejected, Reason: "invalid recipient nif"}, nil
	}
	inv := h.seedPending(t, "F", 1)

	require.NoError(t, h.svc.Submit(h.ctx, inv.ID))

	row := h.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.AuthorityRejected, row.AuthorityStatus)
	require.NotNil(t, row.AuthorityReason)
	assert.Equal(t, "invalid recipient nif", *row.AuthorityReason)
	assert.Nil(t, row.NextRetryAt)
	assert.Equal(t, int64(1), h.auditCount(t, "invoice.submission_rejected"))
}

func TestSubmitPendingOutcomeSchedulesRetry(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	h.client.Decide = func(compliancedomain.Submission) (compliancedomain.Outcome, error) {
		return compliancedomain.Outcome{Kind: compliancedomain.OutcomePending}, nil
	}
	inv := h.seedPending(t, "F", 1)

	require.NoError(t, h.svc.Submit(h.ctx, inv.ID))

	row := h.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.AuthorityPending, row.AuthorityStatus)
	assert.Equal(t, int32(1), row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, h.clk.Now().Add(time.Minute), *row.NextRetryAt, time.Second)
}

func TestSubmitTransportErrorBacksOffExponentially(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	transportErr := fmt.Errorf("%w: connection refused", compliancedomain.ErrAuthorityUnavailable)
	h.client.Decide = func(compliancedomain.Submission) (compliancedomain.Outcome, error) {
		return compliancedomain.Outcome{}, transportErr
	}
	inv := h.seedPending(t, "F", 1)

	err := h.svc.Submit(h.ctx, inv.ID)
	assert.ErrorIs(t, err, compliancedomain.ErrAuthorityUnavailable)
	row := h.reload(t, inv.ID)
	assert.Equal(t, int32(1), row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, h.clk.Now().Add(time.Minute), *row.NextRetryAt, time.Second)

	err = h.svc.Submit(h.ctx, inv.ID)
	assert.ErrorIs(t, err, compliancedomain.ErrAuthorityUnavailable)
	row = h.reload(t, inv.ID)
	assert.Equal(t, int32(2), row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, h.clk.Now().Add(2*time.Minute), *row.NextRetryAt, time.Second)
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, retryConfig(2))
	h.client.Decide = func(compliancedomain.Submission) (compliancedomain.Outcome, error) {
		return compliancedomain.Outcome{}, errors.New("authority down")
	}
	inv := h.seedPending(t, "F", 1)

	require.Error(t, h.svc.Submit(h.ctx, inv.ID))
	require.Error(t, h.svc.Submit(h.ctx, inv.ID))

	row := h.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.AuthorityPending, row.AuthorityStatus)
	assert.Equal(t, int32(2), row.RetryCount)
	assert.Nil(t, row.NextRetryAt)
	assert.Equal(t, int64(1), h.auditCount(t, "invoice.submission_exhausted"))
}

func TestSubmitGuards(t *testing.T) {
	h := newHarness(t, retryConfig(5))

	err := h.svc.Submit(h.ctx, h.node.Generate())
	assert.ErrorIs(t, err, compliancedomain.ErrInvoiceNotFound)

	draft := invoicedomain.Invoice{
		ID:              h.node.Generate(),
		WorkspaceID:     h.workspaceID,
		Series:          "F",
		Status:          invoicedomain.StatusDraft,
		Currency:        "EUR",
		RecipientName:   "Cliente SA",
		RecipientTaxID:  "X9999999R",
		AuthorityStatus: invoicedomain.AuthorityNotRequired,
	}
	require.NoError(t, h.db.Create(&draft).Error)
	err = h.svc.Submit(h.ctx, draft.ID)
	assert.ErrorIs(t, err, compliancedomain.ErrNotSubmittable)
}

func TestRetryPendingDrainsDueInvoices(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	due1 := h.seedPending(t, "F", 1)
	due2 := h.seedPending(t, "F", 2)
	notDue := h.seedPending(t, "F", 3)

	past := h.clk.Now().Add(-time.Minute)
	future := h.clk.Now().Add(time.Hour)
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).
		Where("id IN ?", []snowflake.ID{due1.ID, due2.ID}).
		Update("next_retry_at", past).Error)
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", notDue.ID).
		Update("next_retry_at", future).Error)

	settled, err := h.svc.RetryPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	assert.Equal(t, invoicedomain.AuthorityAccepted, h.reload(t, due1.ID).AuthorityStatus)
	assert.Equal(t, invoicedomain.AuthorityAccepted, h.reload(t, due2.ID).AuthorityStatus)
	assert.Equal(t, invoicedomain.AuthorityPending, h.reload(t, notDue.ID).AuthorityStatus)
}

func TestRetryPendingRespectsBatchSize(t *testing.T) {
	h := newHarness(t, retryConfig(5))
	past := h.clk.Now().Add(-time.Minute)
	for i := int64(1); i <= 3; i++ {
		inv := h.seedPending(t, "F", i)
		require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).
			Where("id = ?", inv.ID).
			Update("next_retry_at", past).Error)
	}

	settled, err := h.svc.RetryPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)
}

func TestSelfCheck(t *testing.T) {
	h := newHarness(t, retryConfig(5))

	report, err := h.svc.SelfCheck(h.ctx)
	require.NoError(t, err)
	assert.True(t, report.CertificateOK)
	assert.True(t, report.SignatureOK)
	assert.True(t, report.AuthorityOK)
	assert.Empty(t, report.Detail)

	h.vault.signErr = certdomain.ErrNoActiveCertificate
	report, err = h.svc.SelfCheck(h.ctx)
	require.NoError(t, err)
	assert.False(t, report.CertificateOK)
	assert.NotEmpty(t, report.Detail)

	_, err = h.svc.SelfCheck(context.Background())
	assert.ErrorIs(t, err, compliancedomain.ErrInvalidWorkspace)
}

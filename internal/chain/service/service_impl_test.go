package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gestionly/veriledger/internal/chain/canonical"
	chaindomain "github.com/gestionly/veriledger/internal/chain/domain"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db          *gorm.DB
	svc         chaindomain.Service
	node        *snowflake.Node
	workspaceID snowflake.ID
	ctx         context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &invoicedomain.InvoiceItem{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	workspaceID := node.Generate()

	return &harness{
		db:          db,
		svc:         NewService(Params{DB: db, Log: zap.NewNop()}),
		node:        node,
		workspaceID: workspaceID,
		ctx:         workspacectx.WithWorkspaceID(context.Background(), workspaceID),
	}
}

// seedChain writes a well-formed chain of length n, computing each digest
// from the stored content exactly like finalize does.
func (h *harness) seedChain(t *testing.T, series string, n int64) []invoicedomain.Invoice {
	t.Helper()
	issueDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	previous := canonical.Genesis(h.workspaceID, series)

	invoices := make([]invoicedomain.Invoice, 0, n)
	for number := int64(1); number <= n; number++ {
		item := invoicedomain.InvoiceItem{
			ID:            h.node.Generate(),
			Position:      1,
			Description:   fmt.Sprintf("line %d", number),
			QuantityMilli: 1000,
			UnitAmount:    10000,
			TaxRateBP:     2100,
			Amount:        10000,
			TaxAmount:     2100,
		}

		digest := canonical.Digest(canonical.Invoice{
			Series:         series,
			Number:         number,
			IssueDate:      issueDate,
			Currency:       "EUR",
			IssuerTaxID:    "B12345678",
			IssuerName:     "Acme SL",
			RecipientTaxID: "X9999999R",
			RecipientName:  "Cliente SA",
			Items: []canonical.Item{{
				Position:      item.Position,
				Description:   item.Description,
				QuantityMilli: item.QuantityMilli,
				UnitAmount:    item.UnitAmount,
				DiscountBP:    item.DiscountBP,
				TaxRateBP:     item.TaxRateBP,
				Amount:        item.Amount,
			}},
			TaxAmount:   2100,
			TotalAmount: 12100,
		}, previous)

		num := number
		prev := previous
		hash := digest
		inv := invoicedomain.Invoice{
			ID:                h.node.Generate(),
			WorkspaceID:       h.workspaceID,
			Series:            series,
			Number:            &num,
			Type:              invoicedomain.TypeNormal,
			Status:            invoicedomain.StatusFinalized,
			IssueDate:         &issueDate,
			Currency:          "EUR",
			IssuerName:        "Acme SL",
			IssuerTaxID:       "B12345678",
			RecipientName:     "Cliente SA",
			RecipientTaxID:    "X9999999R",
			SubtotalAmount:    10000,
			TaxAmount:         2100,
			TotalAmount:       12100,
			ChainPreviousHash: &prev,
			ChainHash:         &hash,
			AuthorityStatus:   invoicedomain.AuthorityPending,
		}
		require.NoError(t, h.db.Create(&inv).Error)

		item.InvoiceID = inv.ID
		require.NoError(t, h.db.Create(&item).Error)

		invoices = append(invoices, inv)
		previous = digest
	}
	return invoices
}

func TestVerifyIntactChain(t *testing.T) {
	h := newHarness(t)
	h.seedChain(t, "F", 3)

	report, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Length)
	assert.Empty(t, report.FailureKind)
}

func TestVerifyEmptySeries(t *testing.T) {
	h := newHarness(t)

	report, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 0, report.Length)
}

func TestVerifyNormalizesSeries(t *testing.T) {
	h := newHarness(t)
	h.seedChain(t, "F", 1)

	report, err := h.svc.Verify(h.ctx, " f ")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, "F", report.Series)
	assert.Equal(t, 1, report.Length)
}

func TestVerifyDetectsDigestMismatch(t *testing.T) {
	h := newHarness(t)
	invoices := h.seedChain(t, "F", 3)

	// Mutating a compliance field without recomputing the digest is exactly
	// the tampering the chain exists to expose.
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoices[1].ID).
		Update("total_amount", 99999).Error)

	report, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, chaindomain.FailureDigestMismatch, report.FailureKind)
	assert.Equal(t, int64(2), report.FailurePosition)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	h := newHarness(t)
	invoices := h.seedChain(t, "F", 3)

	bogus := canonical.Genesis(h.workspaceID, "X")
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoices[2].ID).
		Update("chain_previous_hash", bogus).Error)

	report, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, chaindomain.FailureBrokenLink, report.FailureKind)
	assert.Equal(t, int64(3), report.FailurePosition)
}

func TestVerifyDetectsMissingNumber(t *testing.T) {
	h := newHarness(t)
	invoices := h.seedChain(t, "F", 3)

	require.NoError(t, h.db.Where("id = ?", invoices[1].ID).
		Delete(&invoicedomain.Invoice{}).Error)

	report, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, chaindomain.FailureMissingNumber, report.FailureKind)
	assert.Equal(t, int64(2), report.FailurePosition)
}

func TestVerifyGuards(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Verify(context.Background(), "F")
	assert.ErrorIs(t, err, chaindomain.ErrInvalidWorkspace)

	_, err = h.svc.Verify(h.ctx, "   ")
	assert.ErrorIs(t, err, chaindomain.ErrInvalidSeries)
}

func TestVerifySeriesAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.seedChain(t, "F", 2)
	h.seedChain(t, "R", 1)

	reportF, err := h.svc.Verify(h.ctx, "F")
	require.NoError(t, err)
	assert.True(t, reportF.OK)
	assert.Equal(t, 2, reportF.Length)

	reportR, err := h.svc.Verify(h.ctx, "R")
	require.NoError(t, err)
	assert.True(t, reportR.OK)
	assert.Equal(t, 1, reportR.Length)
}

package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	auditrepository "github.com/gestionly/veriledger/internal/audit/repository"
	auditservice "github.com/gestionly/veriledger/internal/audit/service"
	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (settingsdomain.Service, *gorm.DB, context.Context) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&settingsdomain.InvoiceSettings{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	log := zap.NewNop()
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepository.Provide(),
	})
	svc := NewService(Params{DB: db, Log: log, AuditSvc: auditSvc})
	ctx := workspacectx.WithWorkspaceID(context.Background(), node.Generate())
	return svc, db, ctx
}

func strPtr(s string) *string { return &s }

func int32Ptr(v int32) *int32 { return &v }

func TestGetProvisionsDefaults(t *testing.T) {
	svc, _, ctx := newTestService(t)

	settings, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F", settings.DefaultSeries)
	assert.Equal(t, "R", settings.RectificativeSeries)
	assert.Equal(t, int32(2100), settings.DefaultTaxRateBP)
	assert.Equal(t, int32(30), settings.PaymentTermsDays)
	assert.Equal(t, "EUR", settings.Currency)
	assert.Empty(t, settings.IssuerName)

	// Second read returns the provisioned row, not a new one.
	again, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.WorkspaceID, again.WorkspaceID)
}

func TestGetRequiresWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background())
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidWorkspace)
}

func TestUpdateNormalizesAndAudits(t *testing.T) {
	svc, db, ctx := newTestService(t)

	updated, err := svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		IssuerName:    strPtr("  Acme SL  "),
		IssuerTaxID:   strPtr(" b12345678 "),
		DefaultSeries: strPtr("fac"),
		Currency:      strPtr("usd"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme SL", updated.IssuerName)
	assert.Equal(t, "B12345678", updated.IssuerTaxID)
	assert.Equal(t, "FAC", updated.DefaultSeries)
	assert.Equal(t, "USD", updated.Currency)

	reloaded, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B12345678", reloaded.IssuerTaxID)

	var auditCount int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "settings.updated").
		Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestUpdateValidation(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		DefaultSeries: strPtr("1BAD"),
	})
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidSeries)

	// Normal and rectificative series must stay distinct.
	_, err = svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		DefaultSeries:       strPtr("R"),
		RectificativeSeries: strPtr("R"),
	})
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidSeries)

	_, err = svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		DefaultTaxRateBP: int32Ptr(20000),
	})
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidTaxRate)

	_, err = svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		Currency: strPtr("EURO"),
	})
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidCurrency)

	// Failed updates leave the stored row untouched.
	settings, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F", settings.DefaultSeries)
	assert.Equal(t, int32(2100), settings.DefaultTaxRateBP)
	assert.Equal(t, "EUR", settings.Currency)
}

func TestSettingsAreWorkspaceScoped(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Update(ctx, settingsdomain.UpdateSettingsRequest{
		IssuerName: strPtr("Acme SL"),
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(8)
	require.NoError(t, err)
	otherCtx := workspacectx.WithWorkspaceID(context.Background(), node.Generate())
	other, err := svc.Get(otherCtx)
	require.NoError(t, err)
	assert.Empty(t, other.IssuerName)
}

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	auditrepository "github.com/gestionly/veriledger/internal/audit/repository"
	"github.com/gestionly/veriledger/internal/auditcontext"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db          *gorm.DB
	svc         auditdomain.Service
	node        *snowflake.Node
	workspaceID snowflake.ID
	ctx         context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	workspaceID := node.Generate()

	return &harness{
		db: db,
		svc: NewService(Params{
			DB: db, Log: zap.NewNop(), GenID: node, Repo: auditrepository.Provide(),
		}),
		node:        node,
		workspaceID: workspaceID,
		ctx:         workspacectx.WithWorkspaceID(context.Background(), workspaceID),
	}
}

// seed inserts entries directly with explicit timestamps so cursor paging is
// deterministic.
func (h *harness) seed(t *testing.T, action string, createdAt time.Time) auditdomain.AuditLog {
	t.Helper()
	entry := auditdomain.AuditLog{
		ID:          h.node.Generate(),
		WorkspaceID: &h.workspaceID,
		ActorType:   string(auditdomain.ActorTypeSystem),
		Action:      action,
		TargetType:  "invoice",
		CreatedAt:   createdAt,
	}
	require.NoError(t, h.db.Create(&entry).Error)
	return entry
}

func TestRecordAttachesContext(t *testing.T) {
	h := newHarness(t)

	targetID := "inv-1"
	ctx := auditcontext.WithActor(h.ctx, string(auditdomain.ActorTypeUser), "user-42")
	ctx = auditcontext.WithRequestID(ctx, "req-7")

	require.NoError(t, h.svc.Record(ctx, nil, auditdomain.Entry{
		Action:     "invoice.finalized",
		TargetType: "invoice",
		TargetID:   &targetID,
		Before:     map[string]any{"status": "draft"},
		After:      map[string]any{"status": "finalized"},
	}))

	var row auditdomain.AuditLog
	require.NoError(t, h.db.First(&row).Error)
	require.NotNil(t, row.WorkspaceID)
	assert.Equal(t, h.workspaceID, *row.WorkspaceID)
	assert.Equal(t, string(auditdomain.ActorTypeUser), row.ActorType)
	require.NotNil(t, row.ActorID)
	assert.Equal(t, "user-42", *row.ActorID)
	assert.Equal(t, "req-7", row.Metadata["request_id"])
	assert.Equal(t, "draft", row.Before["status"])
	assert.Equal(t, "finalized", row.After["status"])
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.Record(h.ctx, nil, auditdomain.Entry{
		Action: "invoice.overdue",
	}))

	var row auditdomain.AuditLog
	require.NoError(t, h.db.First(&row).Error)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), row.ActorType)
	assert.Nil(t, row.ActorID)
	assert.Equal(t, "unknown", row.TargetType)
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Record(h.ctx, nil, auditdomain.Entry{Action: "   "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFilters(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	h.seed(t, "invoice.finalized", base)
	h.seed(t, "invoice.paid", base.Add(time.Minute))
	h.seed(t, "invoice.finalized", base.Add(2*time.Minute))

	resp, err := h.svc.List(h.ctx, auditdomain.ListAuditLogRequest{
		Action: "invoice.finalized",
	})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 2)
	// Newest first.
	assert.True(t, resp.AuditLogs[0].CreatedAt.After(resp.AuditLogs[1].CreatedAt))

	start := base.Add(30 * time.Second)
	resp, err = h.svc.List(h.ctx, auditdomain.ListAuditLogRequest{
		StartAt: &start,
	})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)
}

func TestListPaginatesWithCursor(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.seed(t, "invoice.finalized", base.Add(time.Duration(i)*time.Minute))
	}

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	page1, err := h.svc.List(h.ctx, req)
	require.NoError(t, err)
	assert.Len(t, page1.AuditLogs, 2)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextPageToken)

	req.PageToken = page1.NextPageToken
	page2, err := h.svc.List(h.ctx, req)
	require.NoError(t, err)
	assert.Len(t, page2.AuditLogs, 2)
	assert.True(t, page2.HasMore)

	req.PageToken = page2.NextPageToken
	page3, err := h.svc.List(h.ctx, req)
	require.NoError(t, err)
	assert.Len(t, page3.AuditLogs, 1)
	assert.False(t, page3.HasMore)

	seen := map[snowflake.ID]bool{}
	for _, page := range [][]auditdomain.AuditLog{page1.AuditLogs, page2.AuditLogs, page3.AuditLogs} {
		for _, log := range page {
			assert.False(t, seen[log.ID], "entry %s returned twice", log.ID)
			seen[log.ID] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestListGuards(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidWorkspace)

	start := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err = h.svc.List(h.ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	req := auditdomain.ListAuditLogRequest{}
	req.PageToken = "not-base64!"
	_, err = h.svc.List(h.ctx, req)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestListIsWorkspaceScoped(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "invoice.finalized", time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	otherCtx := workspacectx.WithWorkspaceID(context.Background(), h.node.Generate())
	resp, err := h.svc.List(otherCtx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.AuditLogs)
}

package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gestionly/veriledger/internal/auditcontext"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"github.com/gin-gonic/gin"
)

const workspaceHeader = "X-Workspace-ID"

// WorkspaceRequired scopes the request to one workspace. Every ledger route
// sits behind it; a request without a parseable workspace id never reaches a
// service.
func (s *Server) WorkspaceRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(workspaceHeader))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		workspaceID, err := snowflake.ParseString(raw)
		if err != nil || workspaceID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := workspacectx.WithWorkspaceID(c.Request.Context(), workspaceID)
		if actor := strings.TrimSpace(c.GetHeader("X-Actor-ID")); actor != "" {
			ctx = auditcontext.WithActor(ctx, "user", actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

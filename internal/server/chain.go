package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// VerifyChain walks one series and reports the first defect, if any. A
// failing report is still a 200: the verification ran, the ledger is what is
// broken.
func (s *Server) VerifyChain(c *gin.Context) {
	series := strings.TrimSpace(c.Param("series"))
	if series == "" {
		AbortWithError(c, newValidationError("series", "missing_series", "series required"))
		return
	}

	report, err := s.chainSvc.Verify(c.Request.Context(), series)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

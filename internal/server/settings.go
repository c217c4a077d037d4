package server

import (
	"net/http"

	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetSettings(c *gin.Context) {
	settings, err := s.settingsSvc.Get(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

type updateSettingsRequest struct {
	IssuerName          *string `json:"issuer_name,omitempty"`
	IssuerTaxID         *string `json:"issuer_tax_id,omitempty"`
	IssuerAddress       *string `json:"issuer_address,omitempty"`
	DefaultSeries       *string `json:"default_series,omitempty"`
	RectificativeSeries *string `json:"rectificative_series,omitempty"`
	DefaultTaxRateBP    *int32  `json:"default_tax_rate_bp,omitempty"`
	PaymentTermsDays    *int32  `json:"payment_terms_days,omitempty"`
	Currency            *string `json:"currency,omitempty"`
}

func (s *Server) UpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "invalid request body"))
		return
	}

	settings, err := s.settingsSvc.Update(c.Request.Context(), settingsdomain.UpdateSettingsRequest{
		IssuerName:          req.IssuerName,
		IssuerTaxID:         req.IssuerTaxID,
		IssuerAddress:       req.IssuerAddress,
		DefaultSeries:       req.DefaultSeries,
		RectificativeSeries: req.RectificativeSeries,
		DefaultTaxRateBP:    req.DefaultTaxRateBP,
		PaymentTermsDays:    req.PaymentTermsDays,
		Currency:            req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

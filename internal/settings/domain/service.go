package domain

import (
	"context"
	"errors"
)

type UpdateSettingsRequest struct {
	IssuerName          *string
	IssuerTaxID         *string
	IssuerAddress       *string
	DefaultSeries       *string
	RectificativeSeries *string
	DefaultTaxRateBP    *int32
	PaymentTermsDays    *int32
	Currency            *string
}

type Service interface {
	Get(ctx context.Context) (InvoiceSettings, error)
	Update(ctx context.Context, req UpdateSettingsRequest) (InvoiceSettings, error)
}

var (
	ErrInvalidWorkspace = errors.New("invalid_workspace")
	ErrInvalidSeries    = errors.New("invalid_series")
	ErrInvalidTaxRate   = errors.New("invalid_tax_rate")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrMissingIssuer    = errors.New("missing_issuer")
)

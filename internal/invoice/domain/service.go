package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gestionly/veriledger/pkg/db/pagination"
)

// ItemInput is one invoice line as submitted by the caller. Quantity and
// monetary values arrive as decimal strings and are converted to integer
// units before they touch storage; TaxRatePercent falls back to the
// workspace default when nil.
type ItemInput struct {
	Description     string  `json:"description"`
	Quantity        string  `json:"quantity"`
	UnitPrice       string  `json:"unit_price"`
	DiscountPercent string  `json:"discount_percent,omitempty"`
	TaxRatePercent  *string `json:"tax_rate_percent,omitempty"`
}

type CreateDraftRequest struct {
	Series           string      `json:"series,omitempty"`
	RecipientName    string      `json:"recipient_name"`
	RecipientTaxID   string      `json:"recipient_tax_id"`
	RecipientAddress string      `json:"recipient_address,omitempty"`
	RecipientEmail   string      `json:"recipient_email,omitempty"`
	Currency         string      `json:"currency,omitempty"`
	DueDate          *time.Time  `json:"due_date,omitempty"`
	Notes            string      `json:"notes,omitempty"`
	Items            []ItemInput `json:"items"`
}

// UpdateDraftRequest carries partial edits to a draft. A non-nil Items slice
// replaces every line; nil leaves the lines untouched.
type UpdateDraftRequest struct {
	Series           *string     `json:"series,omitempty"`
	RecipientName    *string     `json:"recipient_name,omitempty"`
	RecipientTaxID   *string     `json:"recipient_tax_id,omitempty"`
	RecipientAddress *string     `json:"recipient_address,omitempty"`
	RecipientEmail   *string     `json:"recipient_email,omitempty"`
	Currency         *string     `json:"currency,omitempty"`
	DueDate          *time.Time  `json:"due_date,omitempty"`
	Notes            *string     `json:"notes,omitempty"`
	Items            []ItemInput `json:"items,omitempty"`
}

type RectifyRequest struct {
	Reason string      `json:"reason"`
	Items  []ItemInput `json:"items,omitempty"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	Status          Status
	Type            Type
	Series          string
	RecipientTaxID  string
	AuthorityStatus AuthorityStatus
	IssuedFrom      *time.Time
	IssuedTo        *time.Time
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// NumberPreview is the non-reserving answer to "what number would this
// series assign next".
type NumberPreview struct {
	Series     string `json:"series"`
	NextNumber int64  `json:"next_number"`
	Display    string `json:"display"`
}

// Service is the invoice lifecycle boundary. Finalize is the transition into
/// the append-only region: it assigns the number, links the chain, signs the
// digest and commits all of it in one transaction or none of it.
type Service interface {
	CreateDraft(ctx context.Context, req CreateDraftRequest) (Invoice, error)
	UpdateDraft(ctx context.Context, id snowflake.ID, req UpdateDraftRequest) (Invoice, error)
	DeleteDraft(ctx context.Context, id snowflake.ID) error
	Finalize(ctx context.Context, id snowflake.ID) (Invoice, error)
	MarkPaid(ctx context.Context, id snowflake.ID) (Invoice, error)
	Duplicate(ctx context.Context, id snowflake.ID) (Invoice, error)
	Rectify(ctx context.Context, id snowflake.ID, req RectifyRequest) (Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	NextNumberPreview(ctx context.Context, series string) (NumberPreview, error)
}

var (
	ErrInvalidWorkspace     = errors.New("invalid_workspace")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvoiceLocked        = errors.New("invoice_locked")
	ErrInvoiceNotDraft      = errors.New("invoice_not_draft")
	ErrInvoiceNotFinalized  = errors.New("invoice_not_finalized")
	ErrInvoiceRectified     = errors.New("invoice_rectified")
	ErrRectifyRectificative = errors.New("cannot_rectify_rectificative")
	ErrNoItems              = errors.New("invoice_has_no_items")
	ErrInvalidItem          = errors.New("invalid_invoice_item")
	ErrInvalidRecipient     = errors.New("invalid_recipient")
	ErrInvalidSeries        = errors.New("invalid_series")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrIssuerNotConfigured  = errors.New("issuer_not_configured")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrMissingReason        = errors.New("missing_rectification_reason")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)

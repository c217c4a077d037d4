// Package domain contains the invoice ledger models and the service
// contract. Finalized invoices are append-only: their compliance-relevant
// fields never change after the finalize transaction commits.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Type distinguishes ordinary invoices from rectificatives (corrective
// invoices issued against an already-finalized one).
type Type string

const (
	TypeNormal        Type = "normal"
	TypeRectificative Type = "rectificative"
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusRectified Status = "rectified"
)

// AuthorityStatus tracks the submission lifecycle against the tax authority.
// Drafts are not_required; finalize always moves the invoice to pending.
type AuthorityStatus string

const (
	AuthorityNotRequired AuthorityStatus = "not_required"
	AuthorityPending     AuthorityStatus = "pending"
	AuthorityAccepted    AuthorityStatus = "accepted"
	AuthorityRejected    AuthorityStatus = "rejected"
)

// Invoice is the ledger row. Number is assigned only at finalize; the partial
// unique index on (workspace_id, series, number) enforces that assigned
// numbers never collide while drafts share a NULL.
type Invoice struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkspaceID snowflake.ID `gorm:"not null;index" json:"workspace_id"`
	Series      string       `gorm:"type:text;not null" json:"series"`
	Number      *int64       `gorm:"index" json:"number,omitempty"`
	Type        Type         `gorm:"type:text;not null;default:'normal'" json:"type"`
	Status      Status       `gorm:"type:text;not null;default:'draft';index" json:"status"`

	IssueDate *time.Time `gorm:"type:date" json:"issue_date,omitempty"`
	DueDate   *time.Time `gorm:"type:date" json:"due_date,omitempty"`
	Currency  string     `gorm:"type:char(3);not null;default:'EUR'" json:"currency"`

	// Issuer identity is snapshotted from settings at finalize so later
	// settings edits cannot rewrite history.
	IssuerName    string `gorm:"type:text" json:"issuer_name,omitempty"`
	IssuerTaxID   string `gorm:"type:text" json:"issuer_tax_id,omitempty"`
	IssuerAddress string `gorm:"type:text" json:"issuer_address,omitempty"`

	RecipientName    string `gorm:"type:text;not null" json:"recipient_name"`
	RecipientTaxID   string `gorm:"type:text;not null" json:"recipient_tax_id"`
	RecipientAddress string `gorm:"type:text" json:"recipient_address,omitempty"`
	RecipientEmail   string `gorm:"type:text" json:"recipient_email,omitempty"`

	SubtotalAmount int64  `gorm:"not null;default:0" json:"subtotal_amount"`
	TaxAmount      int64  `gorm:"not null;default:0" json:"tax_amount"`
	TotalAmount    int64  `gorm:"not null;default:0" json:"total_amount"`
	Notes          string `gorm:"type:text" json:"notes,omitempty"`

	ChainPreviousHash   *string `gorm:"type:text" json:"chain_previous_hash,omitempty"`
	ChainHash           *string `gorm:"type:text" json:"chain_hash,omitempty"`
	SignatureValue      []byte  `gorm:"type:bytea" json:"-"`
	SignatureAlgorithm  string  `gorm:"type:text" json:"signature_algorithm,omitempty"`
	CertificateSerial   string  `gorm:"type:text" json:"certificate_serial,omitempty"`
	VerificationPayload string  `gorm:"type:text" json:"verification_payload,omitempty"`

	AuthorityStatus AuthorityStatus `gorm:"type:text;not null;default:'not_required';index" json:"authority_status"`
	AuthorityReason *string         `gorm:"type:text" json:"authority_reason,omitempty"`
	SubmissionID    *string         `gorm:"type:text;index" json:"submission_id,omitempty"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	RetryCount      int32           `gorm:"not null;default:0" json:"-"`
	NextRetryAt     *time.Time      `gorm:"index" json:"-"`

	// RelatedInvoiceID links a rectificative to the invoice it corrects.
	RelatedInvoiceID *snowflake.ID `gorm:"index" json:"related_invoice_id,omitempty"`

	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Finalized reports whether the row has entered the append-only region of
// the lifecycle. Paid, overdue and rectified invoices remain finalized.
func (i Invoice) Finalized() bool { return i.Status != StatusDraft }

// InvoiceItem is one line of an invoice. Monetary columns are integer minor
// currency units; quantity is milli-units and rates are basis points, so no
// floats ever touch the ledger.
type InvoiceItem struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID     snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	Position      int32        `gorm:"not null" json:"position"`
	Description   string       `gorm:"type:text;not null" json:"description"`
	QuantityMilli int64        `gorm:"not null" json:"quantity_milli"`
	UnitAmount    int64        `gorm:"not null" json:"unit_amount"`
	DiscountBP    int32        `gorm:"not null;default:0" json:"discount_bp"`
	TaxRateBP     int32        `gorm:"not null" json:"tax_rate_bp"`
	Amount        int64        `gorm:"not null" json:"amount"`
	TaxAmount     int64        `gorm:"not null" json:"tax_amount"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// Package domain contains per-workspace invoicing configuration.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceSettings holds one workspace's invoicing configuration: the issuer
// identity frozen into finalized invoices, default tax parameters and series
// names. Numbering counters live in their own table and are only advanced by
// the finalize transaction, never by settings updates.
type InvoiceSettings struct {
	WorkspaceID         snowflake.ID  `gorm:"primaryKey"`
	IssuerName          string        `gorm:"type:text;not null"`
	IssuerTaxID         string        `gorm:"type:text;not null"`
	IssuerAddress       string        `gorm:"type:text"`
	DefaultSeries       string        `gorm:"type:text;not null;default:'F'"`
	RectificativeSeries string        `gorm:"type:text;not null;default:'R'"`
	DefaultTaxRateBP    int32         `gorm:"not null;default:2100"`
	PaymentTermsDays    int32         `gorm:"not null;default:30"`
	Currency            string        `gorm:"type:char(3);not null;default:'EUR'"`
	ActiveCertificateID *snowflake.ID `gorm:"index"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceSettings) TableName() string { return "invoice_settings" }

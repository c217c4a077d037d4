// Package domain contains the per-series invoice number counters.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// InvoiceSeries is the monotonic counter row for one (workspace, series)
// pair. It survives restarts and is the single source of truth for the next
// invoice number; advancing it and writing the invoice that consumed the
// number happen in the same transaction.
type InvoiceSeries struct {
	WorkspaceID snowflake.ID `gorm:"primaryKey"`
	Series      string       `gorm:"primaryKey;type:text"`
	NextNumber  int64        `gorm:"not null;default:1"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceSeries) TableName() string { return "invoice_series" }

// Service issues gap-free sequential invoice numbers. Next must be called
// inside the finalize transaction: the row lock it takes is the critical
// section guarding both the counter and the chain head for the series.
type Service interface {
	Next(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID, series string) (int64, error)
	Peek(ctx context.Context, workspaceID snowflake.ID, series string) (int64, error)
}

var (
	// ErrSeriesLocked signals a bounded lock wait expired; the caller may
	// retry the whole finalize since nothing was committed.
	ErrSeriesLocked = errors.New("series_locked")
)

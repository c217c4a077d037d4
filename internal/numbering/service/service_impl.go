package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	numberingdomain "github.com/gestionly/veriledger/internal/numbering/domain"
	"github.com/gestionly/veriledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) numberingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("numbering.service"),
	}
}

// Next reserves the next number for the series inside the caller's
// transaction. The FOR UPDATE lock serializes concurrent finalizations of the
// same series; a rollback releases the reservation, so numbering never gaps.
func (s *Service) Next(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID, series string) (int64, error) {
	now := time.Now().UTC()

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO invoice_series (workspace_id, series, next_number, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (workspace_id, series) DO NOTHING`,
		workspaceID,
		series,
		now,
		now,
	).Error; err != nil && !db.IsDuplicateKeyErr(err) {
		return 0, err
	}

	if tx.Dialector.Name() == "postgres" {
		// Bounded wait so a stuck finalize surfaces as a retryable conflict
		// instead of queueing callers indefinitely.
		if err := tx.WithContext(ctx).Exec(`SET LOCAL lock_timeout = '3s'`).Error; err != nil {
			return 0, err
		}
	}

	var next int64
	err := tx.WithContext(ctx).Raw(
		`SELECT next_number
		 FROM invoice_series
		 WHERE workspace_id = ? AND series = ?`+rowLockSuffix(tx),
		workspaceID,
		series,
	).Scan(&next).Error
	if err != nil {
		if db.IsLockTimeoutErr(err) {
			return 0, numberingdomain.ErrSeriesLocked
		}
		return 0, err
	}
	if next == 0 {
		next = 1
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE invoice_series
		 SET next_number = ?, updated_at = ?
		 WHERE workspace_id = ? AND series = ?`,
		next+1,
		now,
		workspaceID,
		series,
	).Error; err != nil {
		return 0, err
	}

	return next, nil
}

// Peek returns the number the next finalize would receive. Advisory only: it
// reserves nothing and may be stale by the time the caller acts on it.
func (s *Service) Peek(ctx context.Context, workspaceID snowflake.ID, series string) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT next_number
		 FROM invoice_series
		 WHERE workspace_id = ? AND series = ?`,
		workspaceID,
		series,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	return next, nil
}

// rowLockSuffix returns the FOR UPDATE clause for engines that support it.
// SQLite has a single writer, so the transaction itself is the lock there.
func rowLockSuffix(tx *gorm.DB) string {
	if tx.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

// FormatNumber renders an assigned number in its display form, e.g. F-0001.
// Width grows past four digits rather than truncating.
func FormatNumber(series string, number int64) string {
	return fmt.Sprintf("%s-%04d", series, number)
}

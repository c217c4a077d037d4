// Package domain contains the append-only audit journal models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// AuditLog is one append-only journal entry. Entries are never updated or
// deleted; the before/after snapshots document the state change they record.
type AuditLog struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	WorkspaceID *snowflake.ID     `gorm:"index"`
	ActorType   string            `gorm:"type:text;not null"`
	ActorID     *string           `gorm:"type:text"`
	Action      string            `gorm:"type:text;not null;index"`
	TargetType  string            `gorm:"type:text;not null"`
	TargetID    *string           `gorm:"type:text;index"`
	Before      datatypes.JSONMap `gorm:"type:jsonb"`
	After       datatypes.JSONMap `gorm:"type:jsonb"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	IPAddress   *string           `gorm:"type:text"`
	UserAgent   *string           `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

// AuditCursor is the keyset cursor for paginated listing.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows the audit listing.
type ListFilter struct {
	WorkspaceID snowflake.ID
	Action      string
	TargetType  string
	TargetID    string
	ActorType   string
	StartAt     *time.Time
	EndAt       *time.Time
	Cursor      *AuditCursor
	Limit       int
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"gorm.io/gorm"
)

// Event is one fiscal action to record. OrgID and the actor fall back to
// the values carried by ctx; an event with no actor at all is attributed to
// the system.
type Event struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  ActorType
	ActorID    string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	pagination.Page
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

// Repository only ever appends; audit rows are guarded against UPDATE and
// DELETE at the storage level.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	Find(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidTarget       = errors.New("invalid_target")
)

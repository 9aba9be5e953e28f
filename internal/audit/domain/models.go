package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
)

const (
	ActionDailyReportGenerated     = "daily_report.generated"
	ActionDailyReportStatusChanged = "daily_report.status_changed"
	ActionLedgerVerified           = "ledger.verified"
	ActionLedgerIntegrityFailure   = "ledger.integrity_failure"
	ActionLedgerExported           = "ledger.exported"
	ActionAuthorizationDenied      = "authorization.denied"
)

const (
	TargetTypeDailyReport = "daily_report"
	TargetTypeLedger      = "ledger"
	TargetTypeCapability  = "capability"
)

var knownActions = map[string]string{
	ActionDailyReportGenerated:     TargetTypeDailyReport,
	ActionDailyReportStatusChanged: TargetTypeDailyReport,
	ActionLedgerVerified:           TargetTypeLedger,
	ActionLedgerIntegrityFailure:   TargetTypeLedger,
	ActionLedgerExported:           TargetTypeLedger,
	ActionAuthorizationDenied:      TargetTypeCapability,
}

// TargetTypeOf returns the target type an action is recorded against, and
// false for actions the trail does not know.
func TargetTypeOf(action string) (string, bool) {
	target, ok := knownActions[action]
	return target, ok
}

// AuditLog is an append-only record of a fiscal action.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      *snowflake.ID     `gorm:"index:ix_audit_logs_org_created,priority:1" json:"org_id,omitempty"`
	ActorType  string            `gorm:"type:varchar(16);not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:varchar(128)" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:varchar(64);not null" json:"action"`
	TargetType string            `gorm:"type:varchar(32);not null" json:"target_type"`
	TargetID   *string           `gorm:"type:varchar(64)" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	IPAddress  *string           `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent  *string           `gorm:"type:varchar(255)" json:"user_agent,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:ix_audit_logs_org_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Offset     int
	Limit      int
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	// Generate builds, signs and persists the report of req.Date. A second
	// call for the same day returns *AlreadyExistsError.
	Generate(ctx context.Context, req GenerateRequest) (*DailyReport, error)
	Get(ctx context.Context, orgID snowflake.ID, date string) (*DailyReport, error)
	List(ctx context.Context, orgID snowflake.ID, page pagination.Page) ([]DailyReport, pagination.PageInfo, error)
	TransitionStatus(ctx context.Context, orgID snowflake.ID, date string, next ReportStatus, actor string) (*DailyReport, error)
	// VerifySignature re-derives the signature from the stored aggregates.
	VerifySignature(report *DailyReport) (bool, error)
}

// Calendar resolves tenant-local business days.
type Calendar interface {
	Location(ctx context.Context, orgID snowflake.ID) (*time.Location, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, report *DailyReport) error
	Get(ctx context.Context, db *gorm.DB, orgID snowflake.ID, date string) (*DailyReport, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, offset, limit int) ([]DailyReport, error)
	// CompareAndSetStatus moves the report from `from` to `to` and reports
	// whether a row matched.
	CompareAndSetStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, date string, from, to ReportStatus, at time.Time) (bool, error)
}

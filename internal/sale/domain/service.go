package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"gorm.io/gorm"
)

type Service interface {
	// Record persists a completed sale and chains it in one transaction.
	Record(ctx context.Context, req RecordSaleRequest) (*Sale, *ledgerdomain.LedgerEntry, error)
	Get(ctx context.Context, orgID, saleID snowflake.ID) (*Sale, error)
	// ListCompletedBetween returns the lines of sales completed in
	// [from, to) with their chain sequence, from a single query.
	ListCompletedBetween(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]ClosingLine, error)
}

// ClosedDays refuses sales dated inside a tenant-local day that already has
// a closing report. EnsureOpen reads through tx, after the chain lock is
// held.
type ClosedDays interface {
	BusinessDate(ctx context.Context, orgID snowflake.ID, completedAt time.Time) (string, error)
	EnsureOpen(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, date string) error
}

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, sale *Sale) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) (*Sale, error)
	FindByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, saleIDs []snowflake.ID) ([]Sale, error)
	ListClosingLines(ctx context.Context, db *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]ClosingLine, error)
}

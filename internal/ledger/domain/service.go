package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"gorm.io/gorm"
)

// Appender chains a sale into its tenant ledger. It must run inside the
// transaction that persists the sale.
type Appender interface {
	Append(ctx context.Context, tx *gorm.DB, snapshot SaleSnapshot) (*LedgerEntry, error)
}

// ChainLocker holds a tenant chain lock inside tx so a reader can see a
// tail that no append will move until tx ends.
type ChainLocker interface {
	HoldChain(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error
}

type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error)
}

type Service interface {
	Appender
	ChainLocker
	Verifier
	ListEntries(ctx context.Context, orgID snowflake.ID, page pagination.Page) ([]EntryView, pagination.PageInfo, error)
	ExportEntries(ctx context.Context, orgID snowflake.ID) ([]ExportRecord, error)
}

// SnapshotLoader rebuilds sale snapshots from the sale store, reading
// through tx so verification sees one consistent snapshot.
type SnapshotLoader interface {
	LoadSnapshots(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, saleIDs []snowflake.ID) (map[snowflake.ID]SaleSnapshot, error)
}

// Repository persists chain entries. It has no update or delete method.
type Repository interface {
	EnsureHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error
	LockHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*LedgerChainHead, error)
	AdvanceHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, seq int64, hash string) error
	LastEntry(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*LedgerEntry, error)
	ExistsForSale(ctx context.Context, tx *gorm.DB, saleID snowflake.ID) (bool, error)
	Insert(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error
	ListWindow(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, offset, limit int) ([]LedgerEntry, error)
}

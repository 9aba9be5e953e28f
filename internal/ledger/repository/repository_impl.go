package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct{}

func NewRepository() domain.Repository {
	return &repository{}
}

// EnsureHead creates the tenant's chain head on first use. Concurrent
// first appends race on the primary key and all but one insert no-op.
func (r *repository) EnsureHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	head := domain.LedgerChainHead{
		OrgID:        orgID,
		LastSequence: 0,
		LastHash:     domain.GenesisHash,
		UpdatedAt:    time.Now().UTC(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "org_id"}}, DoNothing: true}).
		Create(&head).Error
}

// LockHead takes the row lock every append of the tenant serializes on.
func (r *repository) LockHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*domain.LedgerChainHead, error) {
	var head domain.LedgerChainHead
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ?", orgID).
		Take(&head).Error
	if err != nil {
		return nil, err
	}
	return &head, nil
}

func (r *repository) AdvanceHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, seq int64, hash string) error {
	result := tx.WithContext(ctx).
		Model(&domain.LedgerChainHead{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"last_sequence": seq,
			"last_hash":     hash,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: head row missing", domain.ErrChainHeadMismatch)
	}
	return nil
}

func (r *repository) LastEntry(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := tx.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("sequence_number DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (r *repository) ExistsForSale(ctx context.Context, tx *gorm.DB, saleID snowflake.ID) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("sale_id = ?", saleID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) error {
	err := tx.WithContext(ctx).Create(entry).Error
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", domain.ErrChainConflict, err)
	case db.IsImmutableViolation(err):
		return fmt.Errorf("%w: %v", domain.ErrImmutableField, err)
	default:
		return err
	}
}

// ListWindow returns entries ascending by sequence. A limit <= 0 returns
// everything after offset.
func (r *repository) ListWindow(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, offset, limit int) ([]domain.LedgerEntry, error) {
	if offset < 0 {
		return nil, domain.ErrInvalidPage
	}
	query := tx.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("sequence_number ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var entries []domain.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

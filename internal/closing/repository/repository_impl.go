package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/closing/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

type repository struct{}

func NewRepository() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, report *domain.DailyReport) error {
	err := tx.WithContext(ctx).Create(report).Error
	if db.IsUniqueViolation(err) {
		return domain.ErrReportAlreadyExists
	}
	return err
}

func (r *repository) Get(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, date string) (*domain.DailyReport, error) {
	var report domain.DailyReport
	err := conn.WithContext(ctx).
		Where("org_id = ? AND business_date = ?", orgID, date).
		Take(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReportNotFound
		}
		return nil, err
	}
	return &report, nil
}

func (r *repository) List(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, offset, limit int) ([]domain.DailyReport, error) {
	var reports []domain.DailyReport
	stmt := conn.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("business_date DESC")
	if offset > 0 {
		stmt = stmt.Offset(offset)
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *repository) CompareAndSetStatus(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, date string, from, to domain.ReportStatus, at time.Time) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&domain.DailyReport{}).
		Where("org_id = ? AND business_date = ? AND status = ?", orgID, date, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		if db.IsImmutableViolation(res.Error) {
			return false, domain.ErrImmutableField
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/caisse/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

// Find returns up to filter.Limit+1 rows, newest first, so callers can tell
// whether another page exists.
func (r *repo) Find(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	var logs []domain.AuditLog
	err := db.WithContext(ctx).
		Where("org_id = ?", filter.OrgID).
		Scopes(
			equals("action", filter.Action),
			equals("target_type", filter.TargetType),
			equals("target_id", filter.TargetID),
			createdBetween(filter.StartAt, filter.EndAt),
			window(filter.Offset, filter.Limit),
		).
		Order("created_at desc, id desc").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func equals(column, value string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if value = strings.TrimSpace(value); value == "" {
			return db
		}
		return db.Where(column+" = ?", value)
	}
}

func createdBetween(start, end *time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if start != nil {
			db = db.Where("created_at >= ?", start.UTC())
		}
		if end != nil {
			db = db.Where("created_at <= ?", end.UTC())
		}
		return db
	}
}

func window(offset, limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if offset > 0 {
			db = db.Offset(offset)
		}
		if limit > 0 {
			db = db.Limit(limit + 1)
		}
		return db
	}
}

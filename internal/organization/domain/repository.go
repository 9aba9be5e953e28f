package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, org *Organization) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	FindDefault(ctx context.Context, db *gorm.DB) (*Organization, error)
	ListIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}

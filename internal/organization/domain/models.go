// Package domain contains persistence models for the org service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Organization is a tenant: one shop with its own fiscal chain. Business
// days are cut in TimezoneName.
type Organization struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name         string            `gorm:"type:varchar(255);not null" json:"name"`
	Slug         string            `gorm:"type:varchar(255);not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	IsDefault    bool              `gorm:"column:is_default;not null;default:false" json:"is_default"`
	CountryCode  string            `gorm:"type:varchar(2);column:country_code" json:"country_code"`
	TimezoneName string            `gorm:"type:varchar(64);column:timezone_name;not null" json:"timezone_name"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

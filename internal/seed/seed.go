package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultOrgName     = "Main Store"
	defaultOrgTimezone = "Europe/Paris"
	defaultOrgCountry  = "FR"
)

// DefaultOrg describes the tenant created on first boot.
type DefaultOrg struct {
	Name     string
	Timezone string
}

// EnsureDefaultOrg seeds the default organization for startup bootstrap. It
// is idempotent: an existing default tenant is returned unchanged.
func EnsureDefaultOrg(db *gorm.DB, node *snowflake.Node, spec DefaultOrg) (organizationdomain.Organization, error) {
	var org organizationdomain.Organization
	if db == nil {
		return org, errors.New("seed database handle is required")
	}
	if node == nil {
		return org, errors.New("seed id generator is required")
	}

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = defaultOrgName
	}
	timezone := strings.TrimSpace(spec.Timezone)
	if timezone == "" {
		timezone = defaultOrgTimezone
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return org, organizationdomain.ErrInvalidTimezone
	}

	ctx := context.Background()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := ensureDefaultOrgTx(ctx, tx, node, name, timezone)
		org = found
		return err
	})
	return org, err
}

func ensureDefaultOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, name, timezone string) (organizationdomain.Organization, error) {
	var org organizationdomain.Organization
	err := tx.WithContext(ctx).Where("is_default = ?", true).Order("created_at ASC").First(&org).Error
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return org, err
	}
	now := time.Now().UTC()
	org = organizationdomain.Organization{
		ID:           node.Generate(),
		Name:         name,
		Slug:         slug.Make(name),
		IsDefault:    true,
		CountryCode:  defaultOrgCountry,
		TimezoneName: timezone,
		Metadata:     datatypes.JSONMap{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return org, err
	}
	return org, nil
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (*Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	// ListIDs returns every tenant, oldest first. Used by scheduler sweeps.
	ListIDs(ctx context.Context) ([]snowflake.ID, error)
	// Location resolves the tenant timezone used to cut business days.
	Location(ctx context.Context, id snowflake.ID) (*time.Location, error)
	// Today is the tenant-local calendar date at the current instant.
	Today(ctx context.Context, id snowflake.ID) (time.Time, error)
}

type CreateOrganizationRequest struct {
	Name         string
	CountryCode  string
	TimezoneName string
	IsDefault    bool
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidCountry      = errors.New("invalid_country")
	ErrInvalidTimezone     = errors.New("invalid_timezone")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrOrganizationExists  = errors.New("organization_exists")
	ErrNotFound            = errors.New("organization_not_found")
)

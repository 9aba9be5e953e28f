package service

import (
	"context"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/organization/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("organization.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	countryCode := strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if countryCode != "" && len(countryCode) != 2 {
		return nil, domain.ErrInvalidCountry
	}

	timezoneName := strings.TrimSpace(req.TimezoneName)
	if _, err := loadLocation(timezoneName); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	org := &domain.Organization{
		ID:           s.genID.Generate(),
		Name:         name,
		Slug:         slug.Make(name),
		IsDefault:    req.IsDefault,
		CountryCode:  countryCode,
		TimezoneName: timezoneName,
		Metadata:     datatypes.JSONMap{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, s.db, org); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, domain.ErrOrganizationExists
		}
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", org.ID.String()),
		zap.String("slug", org.Slug),
		zap.String("timezone", org.TimezoneName),
	)
	return org, nil
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Organization, error) {
	if id == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *service) ListIDs(ctx context.Context) ([]snowflake.ID, error) {
	return s.repo.ListIDs(ctx, s.db)
}

func (s *service) Location(ctx context.Context, id snowflake.ID) (*time.Location, error) {
	org, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return loadLocation(org.TimezoneName)
}

func (s *service) Today(ctx context.Context, id snowflake.ID) (time.Time, error) {
	loc, err := s.Location(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	now := s.clock.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, domain.ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, domain.ErrInvalidTimezone
	}
	return loc, nil
}

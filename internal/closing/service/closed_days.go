package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/closing/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"gorm.io/gorm"
)

// closedDays tells the sale service whether a business day already has its
// Z report.
type closedDays struct {
	repo     domain.Repository
	calendar domain.Calendar
}

func NewClosedDays(repo domain.Repository, calendar domain.Calendar) saledomain.ClosedDays {
	return &closedDays{repo: repo, calendar: calendar}
}

func (c *closedDays) BusinessDate(ctx context.Context, orgID snowflake.ID, completedAt time.Time) (string, error) {
	loc, err := c.calendar.Location(ctx, orgID)
	if err != nil {
		return "", err
	}
	return completedAt.In(loc).Format(domain.BusinessDateLayout), nil
}

func (c *closedDays) EnsureOpen(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, date string) error {
	_, err := c.repo.Get(ctx, tx, orgID, date)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", saledomain.ErrBusinessDayClosed, date)
	case errors.Is(err, domain.ErrReportNotFound):
		return nil
	default:
		return err
	}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/closing/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListPageSize = 31
	maxListPageSize     = 366
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Sales      saledomain.Service
	Calendar   domain.Calendar
	Chain      ledgerdomain.ChainLocker `optional:"true"`
	Audit      auditdomain.Service      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	sales      saledomain.Service
	calendar   domain.Calendar
	chain      ledgerdomain.ChainLocker
	audit      auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("closing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		sales:      p.Sales,
		calendar:   p.Calendar,
		chain:      p.Chain,
		audit:      p.Audit,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.DailyReport, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	loc, err := s.calendar.Location(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	start, err := parseDate(req.Date, loc)
	if err != nil {
		return nil, err
	}
	date := start.Format(domain.BusinessDateLayout)

	now := s.clock.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if start.After(today) {
		return nil, domain.ErrReportDateInFuture
	}

	existing, err := s.repo.Get(ctx, s.db, req.OrgID, date)
	if err == nil {
		return nil, &domain.AlreadyExistsError{Existing: existing}
	}
	if !errors.Is(err, domain.ErrReportNotFound) {
		return nil, err
	}

	// AddDate keeps local midnight across DST changes.
	end := start.AddDate(0, 0, 1)

	var report *domain.DailyReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Sales for the day either commit before this lock is granted or
		// see the report and roll back.
		if s.chain != nil {
			if err := s.chain.HoldChain(ctx, tx, req.OrgID); err != nil {
				return err
			}
		}
		rows, err := s.sales.ListCompletedBetween(ctx, tx, req.OrgID, start, end)
		if err != nil {
			return err
		}
		built, err := s.build(aggregate(req.OrgID, date, rows), loc, strings.TrimSpace(req.RequestedBy))
		if err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, built); err != nil {
			return err
		}
		report = built
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrReportAlreadyExists) {
			// Lost a race with a concurrent generation.
			if existing, getErr := s.repo.Get(ctx, s.db, req.OrgID, date); getErr == nil {
				return nil, &domain.AlreadyExistsError{Existing: existing}
			}
		}
		return nil, err
	}

	s.log.Info("daily report generated",
		zap.String("org_id", req.OrgID.String()),
		zap.String("business_date", date),
		zap.Int64("sale_count", report.SaleCount),
		zap.String("gross_total", report.GrossTotal.StringFixed(2)),
	)
	s.obsMetrics.RecordReportGenerated(ctx, req.OrgID.String(), source(ctx))
	s.auditReport(ctx, report, auditdomain.ActionDailyReportGenerated, map[string]any{
		"business_date":  date,
		"sale_count":     report.SaleCount,
		"gross_total":    report.GrossTotal.StringFixed(2),
		"signature_hash": report.SignatureHash,
	})
	return report, nil
}

func (s *Service) build(agg domain.Aggregates, loc *time.Location, requestedBy string) (*domain.DailyReport, error) {
	signature, err := domain.Sign(agg, domain.SignatureVersionV1)
	if err != nil {
		return nil, err
	}
	payments, err := json.Marshal(agg.PaymentTotals)
	if err != nil {
		return nil, err
	}
	vat, err := json.Marshal(agg.VATBreakdown)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	return &domain.DailyReport{
		ID:               s.genID.Generate(),
		OrgID:            agg.OrgID,
		BusinessDate:     agg.BusinessDate,
		Timezone:         loc.String(),
		SaleCount:        agg.SaleCount,
		GrossTotal:       agg.Gross,
		NetTotal:         agg.Net,
		TaxTotal:         agg.Tax,
		PaymentTotals:    datatypes.JSON(payments),
		VATBreakdown:     datatypes.JSON(vat),
		FirstSaleID:      agg.FirstSaleID,
		LastSaleID:       agg.LastSaleID,
		FirstSequence:    agg.FirstSequence,
		LastSequence:     agg.LastSequence,
		SignatureHash:    signature,
		SignatureVersion: domain.SignatureVersionV1,
		Status:           domain.ReportStatusGenerated,
		RequestedBy:      requestedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID, date string) (*domain.DailyReport, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if _, err := parseDate(date, time.UTC); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, s.db, orgID, strings.TrimSpace(date))
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID, page pagination.Page) ([]domain.DailyReport, pagination.PageInfo, error) {
	if orgID == 0 {
		return nil, pagination.PageInfo{}, domain.ErrInvalidOrganization
	}
	page = page.Normalize(defaultListPageSize, maxListPageSize)
	reports, err := s.repo.List(ctx, s.db, orgID, page.Offset, page.Limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	reports, info := pagination.Trim(reports, page)
	return reports, info, nil
}

func (s *Service) TransitionStatus(ctx context.Context, orgID snowflake.ID, date string, next domain.ReportStatus, actor string) (*domain.DailyReport, error) {
	if !next.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	report, err := s.Get(ctx, orgID, date)
	if err != nil {
		return nil, err
	}
	if !report.Status.CanTransition(next) {
		return nil, domain.ErrInvalidStatusTransition
	}

	if next == domain.ReportStatusVerified {
		ok, err := s.VerifySignature(report)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Error("daily report signature mismatch",
				zap.String("org_id", orgID.String()),
				zap.String("business_date", report.BusinessDate),
				zap.String("signature_hash", report.SignatureHash),
			)
			return nil, domain.ErrReportSignatureMismatch
		}
	}

	now := s.clock.Now().UTC()
	matched, err := s.repo.CompareAndSetStatus(ctx, s.db, orgID, report.BusinessDate, report.Status, next, now)
	if err != nil {
		return nil, err
	}
	if !matched {
		// Someone else moved the report first.
		return nil, domain.ErrInvalidStatusTransition
	}

	previous := report.Status
	report.Status = next
	report.UpdatedAt = now

	s.log.Info("daily report status changed",
		zap.String("org_id", orgID.String()),
		zap.String("business_date", report.BusinessDate),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
	)
	s.auditReport(ctx, report, auditdomain.ActionDailyReportStatusChanged, map[string]any{
		"business_date": report.BusinessDate,
		"from":          string(previous),
		"to":            string(next),
		"actor":         strings.TrimSpace(actor),
	})
	return report, nil
}

func (s *Service) VerifySignature(report *domain.DailyReport) (bool, error) {
	if report == nil {
		return false, domain.ErrReportNotFound
	}
	agg, err := report.Aggregates()
	if err != nil {
		return false, err
	}
	expected, err := domain.Sign(agg, report.SignatureVersion)
	if err != nil {
		return false, err
	}
	return expected == report.SignatureHash, nil
}

func (s *Service) auditReport(ctx context.Context, report *domain.DailyReport, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, auditdomain.Event{
		OrgID:    report.OrgID,
		Action:   action,
		TargetID: report.ID.String(),
		Metadata: metadata,
	}); err != nil {
		s.log.Warn("failed to audit daily report", zap.String("action", action), zap.Error(err))
	}
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, domain.ErrInvalidDate
	}
	start, err := time.ParseInLocation(domain.BusinessDateLayout, raw, loc)
	if err != nil {
		return time.Time{}, domain.ErrInvalidDate
	}
	return start, nil
}

func source(ctx context.Context) string {
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType == string(auditdomain.ActorTypeSystem) {
		return "scheduler"
	}
	return "api"
}

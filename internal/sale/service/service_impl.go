package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCurrency = "EUR"
	// Chain lock timeouts roll the whole sale back; retrying re-runs it.
	maxRecordAttempts = 3
	// Tolerated drift between a till clock and ours.
	maxClockSkew = 2 * time.Minute
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     saledomain.Repository
	Appender ledgerdomain.Appender
	Fiscal   *config.FiscalConfigHolder `optional:"true"`
	Closed   saledomain.ClosedDays      `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     saledomain.Repository
	appender ledgerdomain.Appender
	fiscal   *config.FiscalConfigHolder
	closed   saledomain.ClosedDays
}

func NewService(p Params) saledomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("sale.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		appender: p.Appender,
		fiscal:   p.Fiscal,
		closed:   p.Closed,
	}
}

func (s *Service) Record(ctx context.Context, req saledomain.RecordSaleRequest) (*saledomain.Sale, *ledgerdomain.LedgerEntry, error) {
	sale, err := s.buildSale(req)
	if err != nil {
		return nil, nil, err
	}

	businessDate := ""
	if s.closed != nil {
		if businessDate, err = s.closed.BusinessDate(ctx, sale.OrgID, sale.CompletedAt); err != nil {
			return nil, nil, err
		}
	}

	var entry *ledgerdomain.LedgerEntry
	for attempt := 1; ; attempt++ {
		entry, err = s.persist(ctx, sale, businessDate)
		if err == nil {
			break
		}
		if !ledgerdomain.IsRetryable(err) || attempt >= maxRecordAttempts || ctx.Err() != nil {
			return nil, nil, err
		}
		s.log.Warn("retrying sale after chain lock timeout",
			zap.String("org_id", sale.OrgID.String()),
			zap.String("sale_id", sale.ID.String()),
			zap.Int("attempt", attempt),
		)
	}

	s.log.Info("sale recorded",
		zap.String("org_id", sale.OrgID.String()),
		zap.String("sale_id", sale.ID.String()),
		zap.Int64("sequence_number", entry.SequenceNumber),
	)
	return sale, entry, nil
}

func (s *Service) persist(ctx context.Context, sale *saledomain.Sale, businessDate string) (*ledgerdomain.LedgerEntry, error) {
	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, sale); err != nil {
			return err
		}
		appended, err := s.appender.Append(ctx, tx, sale.Snapshot())
		if err != nil {
			return err
		}
		// Checked under the chain lock, which report generation also takes.
		if s.closed != nil {
			if err := s.closed.EnsureOpen(ctx, tx, sale.OrgID, businessDate); err != nil {
				return err
			}
		}
		entry = appended
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) buildSale(req saledomain.RecordSaleRequest) (*saledomain.Sale, error) {
	if req.OrgID == 0 {
		return nil, saledomain.ErrInvalidOrganization
	}
	fiscal := s.fiscal.Get()

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" || !fiscal.AllowsPaymentMethod(method) {
		return nil, saledomain.ErrInvalidPaymentMethod
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if len(currency) != 3 {
		return nil, saledomain.ErrInvalidCurrency
	}
	if len(req.Lines) == 0 {
		return nil, saledomain.ErrInvalidLines
	}

	now := s.clock.Now()
	completedAt := now
	if req.CompletedAt != nil && !req.CompletedAt.IsZero() {
		completedAt = *req.CompletedAt
	}
	if completedAt.After(now.Add(maxClockSkew)) {
		return nil, saledomain.ErrCompletedInFuture
	}
	// Fingerprints carry millisecond precision.
	completedAt = completedAt.UTC().Truncate(time.Millisecond)

	sale := &saledomain.Sale{
		ID:            s.genID.Generate(),
		OrgID:         req.OrgID,
		Status:        saledomain.SaleStatusCompleted,
		PaymentMethod: saledomain.PaymentMethod(method),
		Currency:      currency,
		CompletedAt:   completedAt,
		CreatedBy:     strings.TrimSpace(req.CreatedBy),
		CreatedAt:     s.clock.Now().UTC(),
	}

	gross, net, tax := decimal.Zero, decimal.Zero, decimal.Zero
	for i, input := range req.Lines {
		line, err := buildLine(fiscal, input, i+1)
		if err != nil {
			return nil, err
		}
		line.ID = s.genID.Generate()
		line.SaleID = sale.ID
		line.OrgID = sale.OrgID
		sale.Lines = append(sale.Lines, line)

		gross = gross.Add(line.Gross)
		net = net.Add(line.Net)
		tax = tax.Add(line.Tax)
	}
	sale.GrossTotal = gross
	sale.NetTotal = net
	sale.TaxTotal = tax
	return sale, nil
}

// buildLine prices one line. Unit prices include VAT, so the net amount is
// gross / (1 + rate/100).
func buildLine(fiscal config.FiscalConfig, input saledomain.LineInput, lineNo int) (saledomain.SaleLine, error) {
	sku := strings.TrimSpace(input.SKU)
	if sku == "" {
		return saledomain.SaleLine{}, fmt.Errorf("%w: line %d has no sku", saledomain.ErrInvalidLines, lineNo)
	}
	if !input.Quantity.IsPositive() || !input.Quantity.Equal(input.Quantity.Round(3)) {
		return saledomain.SaleLine{}, fmt.Errorf("%w: line %d", saledomain.ErrInvalidQuantity, lineNo)
	}
	if input.UnitPrice.IsNegative() || !input.UnitPrice.Equal(input.UnitPrice.Round(2)) {
		return saledomain.SaleLine{}, fmt.Errorf("%w: line %d", saledomain.ErrInvalidUnitPrice, lineNo)
	}
	if !fiscal.AllowsVATRate(input.VATRate) {
		return saledomain.SaleLine{}, fmt.Errorf("%w: %s", saledomain.ErrInvalidVATRate, input.VATRate.String())
	}

	label := strings.TrimSpace(input.Label)
	if label == "" {
		label = sku
	}

	gross := input.UnitPrice.Mul(input.Quantity).Round(2)
	net := gross.DivRound(decimal.NewFromInt(1).Add(input.VATRate.Div(hundred)), 2)
	return saledomain.SaleLine{
		LineNo:    lineNo,
		SKU:       sku,
		Label:     label,
		Quantity:  input.Quantity,
		UnitPrice: input.UnitPrice,
		VATRate:   input.VATRate,
		Gross:     gross,
		Net:       net,
		Tax:       gross.Sub(net),
	}, nil
}

func (s *Service) Get(ctx context.Context, orgID, saleID snowflake.ID) (*saledomain.Sale, error) {
	if orgID == 0 {
		return nil, saledomain.ErrInvalidOrganization
	}
	if saleID == 0 {
		return nil, saledomain.ErrSaleNotFound
	}
	return s.repo.FindByID(ctx, s.db, orgID, saleID)
}

func (s *Service) ListCompletedBetween(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]saledomain.ClosingLine, error) {
	if orgID == 0 {
		return nil, saledomain.ErrInvalidOrganization
	}
	if !from.Before(to) {
		return nil, saledomain.ErrInvalidRange
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.ListClosingLines(ctx, tx, orgID, from, to)
}

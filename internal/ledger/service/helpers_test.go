package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/clock"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/ledger/repository"
	"github.com/smallbiznis/caisse/internal/migration"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	salerepository "github.com/smallbiznis/caisse/internal/sale/repository"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   *Service
	node  *snowflake.Node
	clock *clock.FakeClock
	sales saledomain.Repository
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLogger(t, zaptest.NewLogger(t))
}

func newFixtureWithLogger(t *testing.T, log *zap.Logger) *fixture {
	t.Helper()

	conn := db.NewTest(t)
	require.NoError(t, migration.AutoMigrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC))
	sales := salerepository.NewRepository()
	svc := newService(Params{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      repository.NewRepository(),
		Snapshots: salerepository.NewSnapshotLoader(sales),
	})

	return &fixture{db: conn, svc: svc, node: node, clock: clk, sales: sales}
}

// newSale builds a single-line cash sale at 20% VAT.
func (f *fixture) newSale(orgID snowflake.ID, gross string) *saledomain.Sale {
	amount := decimal.RequireFromString(gross)
	net := amount.DivRound(decimal.RequireFromString("1.2"), 2)
	now := f.clock.Now()
	saleID := f.node.Generate()
	return &saledomain.Sale{
		ID:            saleID,
		OrgID:         orgID,
		Status:        saledomain.SaleStatusCompleted,
		PaymentMethod: saledomain.PaymentMethodCash,
		Currency:      "EUR",
		GrossTotal:    amount,
		NetTotal:      net,
		TaxTotal:      amount.Sub(net),
		CompletedAt:   now,
		CreatedAt:     now,
		Lines: []saledomain.SaleLine{{
			ID:        f.node.Generate(),
			SaleID:    saleID,
			OrgID:     orgID,
			LineNo:    1,
			SKU:       "SKU-1",
			Label:     "Item",
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: amount,
			VATRate:   decimal.NewFromInt(20),
			Gross:     amount,
			Net:       net,
			Tax:       amount.Sub(net),
		}},
	}
}

func (f *fixture) appendSale(ctx context.Context, orgID snowflake.ID, gross string) (*saledomain.Sale, *ledgerdomain.LedgerEntry, error) {
	sale := f.newSale(orgID, gross)
	f.clock.Advance(time.Minute)

	var entry *ledgerdomain.LedgerEntry
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := f.sales.Create(ctx, tx, sale); err != nil {
			return err
		}
		appended, err := f.svc.Append(ctx, tx, sale.Snapshot())
		if err != nil {
			return err
		}
		entry = appended
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sale, entry, nil
}

func (f *fixture) mustAppend(t *testing.T, orgID snowflake.ID, gross string) (*saledomain.Sale, *ledgerdomain.LedgerEntry) {
	t.Helper()
	sale, entry, err := f.appendSale(context.Background(), orgID, gross)
	require.NoError(t, err)
	return sale, entry
}

func (f *fixture) entries(t *testing.T, orgID snowflake.ID) []ledgerdomain.LedgerEntry {
	t.Helper()
	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, f.db.Where("org_id = ?", orgID).Order("sequence_number ASC").Find(&entries).Error)
	return entries
}

func pageOf(offset, limit int) pagination.Page {
	return pagination.Page{Offset: offset, Limit: limit}
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/caisse/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/caisse/internal/ledger/service"
	"github.com/smallbiznis/caisse/internal/migration"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"github.com/smallbiznis/caisse/internal/sale/repository"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	ledger ledgerdomain.Service
	svc    saledomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn := db.NewTest(t)
	require.NoError(t, migration.AutoMigrate(conn))
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	repo := repository.NewRepository()
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      ledgerrepository.NewRepository(),
		Snapshots: repository.NewSnapshotLoader(repo),
	})
	svc := NewService(Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Appender: ledger,
		Fiscal:   config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig()),
	})
	return &testEnv{db: conn, node: node, clock: clk, ledger: ledger, svc: svc}
}

func line(sku, qty, price, rate string) saledomain.LineInput {
	return saledomain.LineInput{
		SKU:       sku,
		Label:     "Article " + sku,
		Quantity:  decimal.RequireFromString(qty),
		UnitPrice: decimal.RequireFromString(price),
		VATRate:   decimal.RequireFromString(rate),
	}
}

func (e *testEnv) record(t *testing.T, orgID snowflake.ID, gross string) (*saledomain.Sale, *ledgerdomain.LedgerEntry) {
	t.Helper()
	e.clock.Advance(time.Minute)
	sale, entry, err := e.svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("SKU-1", "1", gross, "20")},
	})
	require.NoError(t, err)
	return sale, entry
}

func TestRecordComputesVATInclusiveTotals(t *testing.T) {
	env := newTestEnv(t)
	orgID := env.node.Generate()

	sale, entry, err := env.svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "Card",
		Lines: []saledomain.LineInput{
			line("COFFEE", "2", "3.50", "20"),
			line("BREAD", "1", "4.20", "5.5"),
		},
		CreatedBy: "till-1",
	})
	require.NoError(t, err)

	assert.Equal(t, saledomain.PaymentMethodCard, sale.PaymentMethod)
	assert.Equal(t, "EUR", sale.Currency)
	require.Len(t, sale.Lines, 2)
	assert.Equal(t, 1, sale.Lines[0].LineNo)
	assert.Equal(t, "7.00", sale.Lines[0].Gross.StringFixed(2))
	assert.Equal(t, "5.83", sale.Lines[0].Net.StringFixed(2))
	assert.Equal(t, "1.17", sale.Lines[0].Tax.StringFixed(2))
	assert.Equal(t, "3.98", sale.Lines[1].Net.StringFixed(2))
	assert.Equal(t, "0.22", sale.Lines[1].Tax.StringFixed(2))
	assert.Equal(t, "11.20", sale.GrossTotal.StringFixed(2))
	assert.Equal(t, "9.81", sale.NetTotal.StringFixed(2))
	assert.Equal(t, "1.39", sale.TaxTotal.StringFixed(2))
	assert.Equal(t, sale.CompletedAt, sale.CompletedAt.Truncate(time.Millisecond))

	assert.Equal(t, int64(1), entry.SequenceNumber)
	assert.Equal(t, sale.ID, entry.SaleID)

	stored, err := env.svc.Get(context.Background(), orgID, sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	assert.Equal(t, "COFFEE", stored.Lines[0].SKU)
	assert.True(t, stored.GrossTotal.Equal(sale.GrossTotal))
}

func TestRecordValidation(t *testing.T) {
	env := newTestEnv(t)
	orgID := env.node.Generate()
	valid := []saledomain.LineInput{line("A", "1", "1.00", "20")}
	future := env.clock.Now().Add(time.Hour)

	cases := []struct {
		name string
		req  saledomain.RecordSaleRequest
		want error
	}{
		{"missing org", saledomain.RecordSaleRequest{PaymentMethod: "cash", Lines: valid}, saledomain.ErrInvalidOrganization},
		{"unknown payment", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "bitcoin", Lines: valid}, saledomain.ErrInvalidPaymentMethod},
		{"no lines", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash"}, saledomain.ErrInvalidLines},
		{"bad currency", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Currency: "EU", Lines: valid}, saledomain.ErrInvalidCurrency},
		{"zero quantity", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line("A", "0", "1.00", "20")}}, saledomain.ErrInvalidQuantity},
		{"sub-cent price", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line("A", "1", "1.001", "20")}}, saledomain.ErrInvalidUnitPrice},
		{"sub-milli quantity", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line("A", "1.0005", "1.00", "20")}}, saledomain.ErrInvalidQuantity},
		{"sub-cent price with trailing zero", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line("A", "1", "2.5050", "20")}}, saledomain.ErrInvalidUnitPrice},
		{"completed in the future", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: valid, CompletedAt: &future}, saledomain.ErrCompletedInFuture},
		{"unknown vat rate", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line("A", "1", "1.00", "7")}}, saledomain.ErrInvalidVATRate},
		{"missing sku", saledomain.RecordSaleRequest{OrgID: orgID, PaymentMethod: "cash", Lines: []saledomain.LineInput{line(" ", "1", "1.00", "20")}}, saledomain.ErrInvalidLines},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.svc.Record(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&saledomain.Sale{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecordAcceptsTrailingZeros(t *testing.T) {
	env := newTestEnv(t)
	orgID := env.node.Generate()

	sale, _, err := env.svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("A", "1.0000", "2.500", "20")},
	})
	require.NoError(t, err)
	assert.Equal(t, "2.50", sale.GrossTotal.StringFixed(2))

	// Within the tolerated skew of the till clock.
	skewed := env.clock.Now().Add(time.Minute)
	_, _, err = env.svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("B", "1", "1.00", "20")},
		CompletedAt:   &skewed,
	})
	require.NoError(t, err)
}

func TestRecordChainsSalesAndDetectsTamper(t *testing.T) {
	env := newTestEnv(t)
	orgID := env.node.Generate()

	s1, e1 := env.record(t, orgID, "10.00")
	s2, e2 := env.record(t, orgID, "25.50")
	s3, e3 := env.record(t, orgID, "4.20")
	assert.Equal(t, []int64{1, 2, 3}, []int64{e1.SequenceNumber, e2.SequenceNumber, e3.SequenceNumber})
	assert.Equal(t, "39.70", s1.GrossTotal.Add(s2.GrossTotal).Add(s3.GrossTotal).StringFixed(2))

	result, err := env.ledger.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.TotalChecked)

	require.NoError(t, env.db.Model(&saledomain.Sale{}).Where("id = ?", s2.ID).
		Update("gross_total", decimal.RequireFromString("99.99")).Error)

	result, err = env.ledger.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	assert.Equal(t, int64(2), *result.BrokenAt)
	assert.Equal(t, ledgerdomain.FailureKindTamper, *result.FailureKind)
}

func TestListCompletedBetween(t *testing.T) {
	env := newTestEnv(t)
	orgID := env.node.Generate()
	from := env.clock.Now()

	env.record(t, orgID, "10.00")
	_, second, err := env.svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "card",
		Lines: []saledomain.LineInput{
			line("A", "1", "2.00", "20"),
			line("B", "3", "1.10", "5.5"),
		},
	})
	require.NoError(t, err)
	env.record(t, env.node.Generate(), "7.00")

	rows, err := env.svc.ListCompletedBetween(context.Background(), nil, orgID, from, env.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), *rows[0].SequenceNumber)
	assert.Equal(t, second.SequenceNumber, *rows[1].SequenceNumber)
	assert.Equal(t, 1, rows[1].LineNo)
	assert.Equal(t, 2, rows[2].LineNo)
	assert.Equal(t, "3.30", rows[2].LineGross.StringFixed(2))
	assert.Equal(t, saledomain.PaymentMethodCard, rows[2].PaymentMethod)

	_, err = env.svc.ListCompletedBetween(context.Background(), nil, orgID, from, from)
	assert.ErrorIs(t, err, saledomain.ErrInvalidRange)
}

func TestGetUnknownSale(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), env.node.Generate(), env.node.Generate())
	assert.ErrorIs(t, err, saledomain.ErrSaleNotFound)
}

type mockAppender struct {
	mock.Mock
}

func (m *mockAppender) Append(ctx context.Context, tx *gorm.DB, snapshot ledgerdomain.SaleSnapshot) (*ledgerdomain.LedgerEntry, error) {
	args := m.Called(ctx, tx, snapshot)
	entry, _ := args.Get(0).(*ledgerdomain.LedgerEntry)
	return entry, args.Error(1)
}

func newMockedService(t *testing.T, appender ledgerdomain.Appender) (saledomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	conn := db.NewTest(t)
	require.NoError(t, migration.AutoMigrate(conn))
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:       conn,
		Log:      zaptest.NewLogger(t),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)),
		Repo:     repository.NewRepository(),
		Appender: appender,
	})
	return svc, conn, node
}

func TestRecordRetriesChainLockTimeout(t *testing.T) {
	appender := &mockAppender{}
	svc, conn, node := newMockedService(t, appender)
	orgID := node.Generate()

	appender.On("Append", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ledgerdomain.ErrChainLockTimeout).Once()
	appender.On("Append", mock.Anything, mock.Anything, mock.Anything).
		Return(&ledgerdomain.LedgerEntry{SequenceNumber: 1}, nil).Once()

	sale, entry, err := svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("A", "1", "1.00", "20")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.SequenceNumber)
	appender.AssertNumberOfCalls(t, "Append", 2)

	var count int64
	require.NoError(t, conn.Model(&saledomain.Sale{}).Where("id = ?", sale.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordGivesUpAfterRepeatedLockTimeouts(t *testing.T) {
	appender := &mockAppender{}
	svc, conn, node := newMockedService(t, appender)

	appender.On("Append", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ledgerdomain.ErrChainLockTimeout)

	_, _, err := svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         node.Generate(),
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("A", "1", "1.00", "20")},
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrChainLockTimeout)
	appender.AssertNumberOfCalls(t, "Append", maxRecordAttempts)

	var count int64
	require.NoError(t, conn.Model(&saledomain.Sale{}).Count(&count).Error)
	assert.Zero(t, count, "a sale is never saved without its ledger entry")
}

func TestRecordDoesNotRetryFatalChainErrors(t *testing.T) {
	appender := &mockAppender{}
	svc, _, node := newMockedService(t, appender)
	fatal := &ledgerdomain.ConsistencyError{Err: ledgerdomain.ErrChainHeadMismatch}

	appender.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(nil, fatal)

	_, _, err := svc.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         node.Generate(),
		PaymentMethod: "cash",
		Lines:         []saledomain.LineInput{line("A", "1", "1.00", "20")},
	})
	assert.True(t, errors.Is(err, ledgerdomain.ErrChainHeadMismatch))
	appender.AssertNumberOfCalls(t, "Append", 1)
}

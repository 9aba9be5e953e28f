package service

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/closing/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(v int64) *int64 { return &v }

func closingLine(saleID snowflake.ID, sequence int64, lineNo int, gross, rate string) saledomain.ClosingLine {
	g := decimal.RequireFromString(gross)
	return saledomain.ClosingLine{
		SaleID:         saleID,
		PaymentMethod:  saledomain.PaymentMethodCash,
		SaleGross:      g,
		SequenceNumber: seq(sequence),
		LineNo:         lineNo,
		VATRate:        decimal.RequireFromString(rate),
		LineGross:      g,
	}
}

func TestAggregateRoundsVATAfterSummation(t *testing.T) {
	rows := []saledomain.ClosingLine{
		closingLine(101, 1, 1, "0.10", "20"),
		closingLine(102, 2, 1, "0.10", "20"),
		closingLine(103, 3, 1, "0.10", "20"),
	}

	agg := aggregate(1, "2024-03-14", rows)
	require.Len(t, agg.VATBreakdown, 1)
	// Rounding each line first would give 3 x 0.08 = 0.24.
	assert.Equal(t, "0.25", agg.VATBreakdown[0].Base.StringFixed(2))
	assert.Equal(t, "0.05", agg.VATBreakdown[0].Tax.StringFixed(2))
	assert.Equal(t, "0.30", agg.VATBreakdown[0].Gross.StringFixed(2))
}

func TestAggregateTotalsMatchVATBreakdown(t *testing.T) {
	rows := []saledomain.ClosingLine{
		closingLine(101, 1, 1, "0.10", "20"),
		closingLine(102, 2, 1, "0.10", "20"),
		closingLine(103, 3, 1, "0.10", "20"),
		closingLine(104, 4, 1, "3.33", "5.5"),
		closingLine(105, 5, 1, "1.99", "10"),
		closingLine(106, 6, 1, "7.01", "0"),
	}

	agg := aggregate(1, "2024-03-14", rows)

	base, tax, gross := decimal.Zero, decimal.Zero, decimal.Zero
	for _, b := range agg.VATBreakdown {
		assert.True(t, b.Base.Add(b.Tax).Equal(b.Gross), "rate %s", b.Rate)
		base = base.Add(b.Base)
		tax = tax.Add(b.Tax)
		gross = gross.Add(b.Gross)
	}
	assert.Equal(t, base.StringFixed(2), agg.Net.StringFixed(2))
	assert.Equal(t, tax.StringFixed(2), agg.Tax.StringFixed(2))
	assert.Equal(t, gross.StringFixed(2), agg.Gross.StringFixed(2))
	assert.Equal(t, "12.23", agg.Net.StringFixed(2))
	assert.Equal(t, "0.40", agg.Tax.StringFixed(2))
	assert.Equal(t, "12.63", agg.Gross.StringFixed(2))
}

func TestAggregateCountsSalesOnceAcrossLines(t *testing.T) {
	first := closingLine(201, 7, 1, "5.00", "20")
	second := closingLine(201, 7, 2, "5.00", "5.5")
	second.SaleGross = first.SaleGross
	last := closingLine(202, 8, 1, "1.00", "0")

	agg := aggregate(1, "2024-03-14", []saledomain.ClosingLine{first, second, last})
	assert.Equal(t, int64(2), agg.SaleCount)
	assert.Equal(t, "6.00", agg.Gross.StringFixed(2))
	assert.Equal(t, snowflake.ID(201), *agg.FirstSaleID)
	assert.Equal(t, snowflake.ID(202), *agg.LastSaleID)
	assert.Equal(t, int64(7), *agg.FirstSequence)
	assert.Equal(t, int64(8), *agg.LastSequence)
	require.Len(t, agg.VATBreakdown, 3)
	assert.Equal(t, "0.00", agg.VATBreakdown[0].Rate.StringFixed(2))
	require.Len(t, agg.PaymentTotals, 1)
	assert.Equal(t, int64(2), agg.PaymentTotals[0].Count)
	assert.Equal(t, "6.00", agg.PaymentTotals[0].Gross.StringFixed(2))
}

func TestSignatureDependsOnAnchors(t *testing.T) {
	agg := aggregate(1, "2024-03-14", []saledomain.ClosingLine{closingLine(301, 1, 1, "2.00", "20")})
	base, err := domain.Sign(agg, "")
	require.NoError(t, err)

	moved := agg
	moved.LastSequence = seq(2)
	changed, err := domain.Sign(moved, domain.SignatureVersionV1)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)

	_, err = domain.Sign(agg, "v9")
	assert.ErrorIs(t, err, domain.ErrUnsupportedSignature)
}

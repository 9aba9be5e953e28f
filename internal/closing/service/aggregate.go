package service

import (
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/closing/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
)

var hundred = decimal.NewFromInt(100)

type vatAccumulator struct {
	rate  decimal.Decimal
	base  decimal.Decimal
	gross decimal.Decimal
}

// aggregate folds the day's sale lines into report totals. rows must be
// ordered by completion time then sale id, as the day query returns them.
// Only chained fields are read: line gross and VAT rate feed the buckets,
// each bucket rounds its summed base once and takes tax as gross minus base,
// and the report net and tax are the sums of the buckets.
func aggregate(orgID snowflake.ID, date string, rows []saledomain.ClosingLine) domain.Aggregates {
	agg := domain.Aggregates{
		OrgID:         orgID,
		BusinessDate:  date,
		Gross:         decimal.Zero,
		Net:           decimal.Zero,
		Tax:           decimal.Zero,
		PaymentTotals: []domain.PaymentTotal{},
		VATBreakdown:  []domain.VATBucket{},
	}

	payments := map[string]*domain.PaymentTotal{}
	buckets := map[string]*vatAccumulator{}

	var currentSale snowflake.ID
	for i := range rows {
		row := rows[i]
		if row.SaleID != currentSale {
			currentSale = row.SaleID
			agg.SaleCount++
			agg.Gross = agg.Gross.Add(row.SaleGross)

			method := string(row.PaymentMethod)
			p, ok := payments[method]
			if !ok {
				p = &domain.PaymentTotal{PaymentMethod: method, Gross: decimal.Zero}
				payments[method] = p
			}
			p.Count++
			p.Gross = p.Gross.Add(row.SaleGross)

			saleID := row.SaleID
			if agg.FirstSaleID == nil {
				agg.FirstSaleID = &saleID
				agg.FirstSequence = copySeq(row.SequenceNumber)
			}
			agg.LastSaleID = &saleID
			agg.LastSequence = copySeq(row.SequenceNumber)
		}

		key := row.VATRate.StringFixed(2)
		b, ok := buckets[key]
		if !ok {
			b = &vatAccumulator{rate: row.VATRate, base: decimal.Zero, gross: decimal.Zero}
			buckets[key] = b
		}
		b.base = b.base.Add(row.LineGross.Div(decimal.NewFromInt(1).Add(row.VATRate.Div(hundred))))
		b.gross = b.gross.Add(row.LineGross)
	}

	for _, p := range payments {
		agg.PaymentTotals = append(agg.PaymentTotals, *p)
	}
	sort.Slice(agg.PaymentTotals, func(i, j int) bool {
		return agg.PaymentTotals[i].PaymentMethod < agg.PaymentTotals[j].PaymentMethod
	})

	for _, b := range buckets {
		gross := b.gross.Round(2)
		base := b.base.Round(2)
		tax := gross.Sub(base)
		agg.Net = agg.Net.Add(base)
		agg.Tax = agg.Tax.Add(tax)
		agg.VATBreakdown = append(agg.VATBreakdown, domain.VATBucket{
			Rate:  b.rate.Round(2),
			Base:  base,
			Tax:   tax,
			Gross: gross,
		})
	}
	sort.Slice(agg.VATBreakdown, func(i, j int) bool {
		return agg.VATBreakdown[i].Rate.LessThan(agg.VATBreakdown[j].Rate)
	})

	return agg
}

func copySeq(seq *int64) *int64 {
	if seq == nil {
		return nil
	}
	v := *seq
	return &v
}

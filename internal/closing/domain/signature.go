package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const SignatureVersionV1 = "v1"

// Sign derives the report signature over aggregates and anchors.
func Sign(a Aggregates, version string) (string, error) {
	if version == "" {
		version = SignatureVersionV1
	}
	if version != SignatureVersionV1 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSignature, version)
	}
	sum := sha256.Sum256([]byte(SignaturePayload(a)))
	return hex.EncodeToString(sum[:]), nil
}

// SignaturePayload renders the v1 signing input:
//
//	v1|org|date|count|gross|net|tax|payments|vat|first_sale|last_sale|first_seq|last_seq
//
// payments are "method:count:gross" sorted by method and vat buckets are
// "rate:base:tax:gross" sorted by rate, both joined with ";". Absent anchors
// render as empty fields.
func SignaturePayload(a Aggregates) string {
	payments := make([]PaymentTotal, len(a.PaymentTotals))
	copy(payments, a.PaymentTotals)
	sort.Slice(payments, func(i, j int) bool { return payments[i].PaymentMethod < payments[j].PaymentMethod })

	buckets := make([]VATBucket, len(a.VATBreakdown))
	copy(buckets, a.VATBreakdown)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Rate.LessThan(buckets[j].Rate) })

	paymentParts := make([]string, 0, len(payments))
	for _, p := range payments {
		paymentParts = append(paymentParts, p.PaymentMethod+":"+strconv.FormatInt(p.Count, 10)+":"+p.Gross.StringFixed(2))
	}
	vatParts := make([]string, 0, len(buckets))
	for _, b := range buckets {
		vatParts = append(vatParts, strings.Join([]string{
			b.Rate.StringFixed(2),
			b.Base.StringFixed(2),
			b.Tax.StringFixed(2),
			b.Gross.StringFixed(2),
		}, ":"))
	}

	return strings.Join([]string{
		SignatureVersionV1,
		a.OrgID.String(),
		a.BusinessDate,
		strconv.FormatInt(a.SaleCount, 10),
		a.Gross.StringFixed(2),
		a.Net.StringFixed(2),
		a.Tax.StringFixed(2),
		strings.Join(paymentParts, ";"),
		strings.Join(vatParts, ";"),
		formatID(a.FirstSaleID),
		formatID(a.LastSaleID),
		formatSeq(a.FirstSequence),
		formatSeq(a.LastSequence),
	}, "|")
}

// Aggregates decodes the signed content back out of a stored report.
func (r *DailyReport) Aggregates() (Aggregates, error) {
	a := Aggregates{
		OrgID:         r.OrgID,
		BusinessDate:  r.BusinessDate,
		SaleCount:     r.SaleCount,
		Gross:         r.GrossTotal,
		Net:           r.NetTotal,
		Tax:           r.TaxTotal,
		FirstSaleID:   r.FirstSaleID,
		LastSaleID:    r.LastSaleID,
		FirstSequence: r.FirstSequence,
		LastSequence:  r.LastSequence,
	}
	if len(r.PaymentTotals) > 0 {
		if err := json.Unmarshal(r.PaymentTotals, &a.PaymentTotals); err != nil {
			return Aggregates{}, fmt.Errorf("decode payment totals: %w", err)
		}
	}
	if len(r.VATBreakdown) > 0 {
		if err := json.Unmarshal(r.VATBreakdown, &a.VATBreakdown); err != nil {
			return Aggregates{}, fmt.Errorf("decode vat breakdown: %w", err)
		}
	}
	return a, nil
}

func formatID(id *snowflake.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func formatSeq(seq *int64) string {
	if seq == nil {
		return ""
	}
	return strconv.FormatInt(*seq, 10)
}

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// SaleSnapshot is the immutable projection of a completed sale that gets
// fingerprinted. Version selects the canonicalization rules.
type SaleSnapshot struct {
	Version       string
	OrgID         snowflake.ID
	SaleID        snowflake.ID
	Gross         decimal.Decimal
	Net           decimal.Decimal
	CompletedAt   time.Time
	PaymentMethod string
	Lines         []LineSnapshot
}

type LineSnapshot struct {
	LineNo    int
	SKU       string
	Label     string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	VATRate   decimal.Decimal
	Gross     decimal.Decimal
}

// Validate rejects snapshots missing a field the fingerprint depends on.
func (s SaleSnapshot) Validate() error {
	switch {
	case s.OrgID == 0:
		return fmt.Errorf("%w: org_id is required", ErrInvalidSnapshot)
	case s.SaleID == 0:
		return fmt.Errorf("%w: sale_id is required", ErrInvalidSnapshot)
	case s.CompletedAt.IsZero():
		return fmt.Errorf("%w: completed timestamp is required", ErrInvalidSnapshot)
	case strings.TrimSpace(s.PaymentMethod) == "":
		return fmt.Errorf("%w: payment method is required", ErrInvalidSnapshot)
	case len(s.Lines) == 0:
		return fmt.Errorf("%w: at least one line is required", ErrInvalidSnapshot)
	}
	for _, line := range s.Lines {
		if line.LineNo <= 0 {
			return fmt.Errorf("%w: line number must be positive", ErrInvalidSnapshot)
		}
		if strings.TrimSpace(line.SKU) == "" {
			return fmt.Errorf("%w: line %d has no sku", ErrInvalidSnapshot, line.LineNo)
		}
	}
	return nil
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
)

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "completed"
)

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodCheck    PaymentMethod = "check"
	PaymentMethodVoucher  PaymentMethod = "voucher"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodOther    PaymentMethod = "other"
)

// Sale is a completed till transaction. Prices are VAT inclusive.
type Sale struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID    `gorm:"not null;index:ix_sales_org_completed,priority:1" json:"org_id"`
	Status        SaleStatus      `gorm:"type:varchar(16);not null" json:"status"`
	PaymentMethod PaymentMethod   `gorm:"type:varchar(16);not null" json:"payment_method"`
	Currency      string          `gorm:"type:varchar(3);not null" json:"currency"`
	GrossTotal    decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"gross_total"`
	NetTotal      decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"net_total"`
	TaxTotal      decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"tax_total"`
	CompletedAt   time.Time       `gorm:"not null;index:ix_sales_org_completed,priority:2" json:"completed_at"`
	CreatedBy     string          `gorm:"type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	Lines         []SaleLine      `gorm:"foreignKey:SaleID" json:"lines"`
}

// TableName sets the database table name.
func (Sale) TableName() string { return "sales" }

type SaleLine struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	SaleID    snowflake.ID    `gorm:"not null;uniqueIndex:ux_sale_lines_sale_line,priority:1" json:"sale_id"`
	OrgID     snowflake.ID    `gorm:"not null;index" json:"org_id"`
	LineNo    int             `gorm:"not null;uniqueIndex:ux_sale_lines_sale_line,priority:2" json:"line_no"`
	SKU       string          `gorm:"type:varchar(64);not null" json:"sku"`
	Label     string          `gorm:"type:varchar(255);not null" json:"label"`
	Quantity  decimal.Decimal `gorm:"type:numeric(18,3);not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"unit_price"`
	VATRate   decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	Gross     decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"gross"`
	Net       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"net"`
	Tax       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"tax"`
}

// TableName sets the database table name.
func (SaleLine) TableName() string { return "sale_lines" }

// Snapshot projects the immutable fields the chain fingerprints.
func (s Sale) Snapshot() ledgerdomain.SaleSnapshot {
	lines := make([]ledgerdomain.LineSnapshot, 0, len(s.Lines))
	for _, line := range s.Lines {
		lines = append(lines, ledgerdomain.LineSnapshot{
			LineNo:    line.LineNo,
			SKU:       line.SKU,
			Label:     line.Label,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			VATRate:   line.VATRate,
			Gross:     line.Gross,
		})
	}
	return ledgerdomain.SaleSnapshot{
		Version:       ledgerdomain.HashVersionV1,
		OrgID:         s.OrgID,
		SaleID:        s.ID,
		Gross:         s.GrossTotal,
		Net:           s.NetTotal,
		CompletedAt:   s.CompletedAt,
		PaymentMethod: string(s.PaymentMethod),
		Lines:         lines,
	}
}

// ClosingLine is one row of the day query: a sale line joined with its sale
// and, when chained, the ledger sequence number.
type ClosingLine struct {
	SaleID         snowflake.ID
	CompletedAt    time.Time
	PaymentMethod  PaymentMethod
	SaleGross      decimal.Decimal
	SequenceNumber *int64
	LineNo         int
	VATRate        decimal.Decimal
	LineGross      decimal.Decimal
}

// LineInput describes a basket line as rung up at the till.
type LineInput struct {
	SKU       string          `json:"sku"`
	Label     string          `json:"label"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	VATRate   decimal.Decimal `json:"vat_rate"`
}

type RecordSaleRequest struct {
	OrgID         snowflake.ID
	PaymentMethod string
	Currency      string
	Lines         []LineInput
	CompletedAt   *time.Time
	CreatedBy     string
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BusinessDateLayout formats the tenant-local calendar date of a report.
const BusinessDateLayout = "2006-01-02"

type ReportStatus string

const (
	ReportStatusGenerated ReportStatus = "generated"
	ReportStatusVerified  ReportStatus = "verified"
	ReportStatusArchived  ReportStatus = "archived"
)

// CanTransition reports whether a report may move from s to next. Status
// only ever advances one step.
func (s ReportStatus) CanTransition(next ReportStatus) bool {
	switch s {
	case ReportStatusGenerated:
		return next == ReportStatusVerified
	case ReportStatusVerified:
		return next == ReportStatusArchived
	default:
		return false
	}
}

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusGenerated, ReportStatusVerified, ReportStatusArchived:
		return true
	}
	return false
}

// DailyReport is the closing (Z) report of one tenant business day. Every
// column except Status and UpdatedAt is write-once.
type DailyReport struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID    `gorm:"not null;uniqueIndex:ux_daily_reports_org_date,priority:1" json:"org_id"`
	BusinessDate     string          `gorm:"type:varchar(10);not null;uniqueIndex:ux_daily_reports_org_date,priority:2" json:"business_date"`
	Timezone         string          `gorm:"type:varchar(64);not null" json:"timezone"`
	SaleCount        int64           `gorm:"not null" json:"sale_count"`
	GrossTotal       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"gross_total"`
	NetTotal         decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"net_total"`
	TaxTotal         decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"tax_total"`
	PaymentTotals    datatypes.JSON  `gorm:"not null" json:"payment_totals"`
	VATBreakdown     datatypes.JSON  `gorm:"column:vat_breakdown;not null" json:"vat_breakdown"`
	FirstSaleID      *snowflake.ID   `json:"first_sale_id"`
	LastSaleID       *snowflake.ID   `json:"last_sale_id"`
	FirstSequence    *int64          `json:"first_sequence"`
	LastSequence     *int64          `json:"last_sequence"`
	SignatureHash    string          `gorm:"type:varchar(64);not null" json:"signature_hash"`
	SignatureVersion string          `gorm:"type:varchar(8);not null" json:"signature_version"`
	Status           ReportStatus    `gorm:"type:varchar(16);not null" json:"status"`
	RequestedBy      string          `gorm:"type:varchar(128)" json:"requested_by,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (DailyReport) TableName() string { return "daily_reports" }

// PaymentTotal is the gross collected with one payment method.
type PaymentTotal struct {
	PaymentMethod string          `json:"payment_method"`
	Count         int64           `json:"count"`
	Gross         decimal.Decimal `json:"gross"`
}

// VATBucket aggregates the lines sold at one VAT rate.
type VATBucket struct {
	Rate  decimal.Decimal `json:"rate"`
	Base  decimal.Decimal `json:"base"`
	Tax   decimal.Decimal `json:"tax"`
	Gross decimal.Decimal `json:"gross"`
}

// Aggregates is the signed content of a report.
type Aggregates struct {
	OrgID         snowflake.ID
	BusinessDate  string
	SaleCount     int64
	Gross         decimal.Decimal
	Net           decimal.Decimal
	Tax           decimal.Decimal
	PaymentTotals []PaymentTotal
	VATBreakdown  []VATBucket
	FirstSaleID   *snowflake.ID
	LastSaleID    *snowflake.ID
	FirstSequence *int64
	LastSequence  *int64
}

type GenerateRequest struct {
	OrgID       snowflake.ID
	Date        string
	RequestedBy string
}

// ReportView decodes the JSON breakdowns for API and PDF rendering.
type ReportView struct {
	DailyReport
	Payments       []PaymentTotal `json:"payments"`
	VAT            []VATBucket    `json:"vat"`
	SignatureValid *bool          `json:"signature_valid,omitempty"`
}

// NewReportView decodes the stored breakdowns of report.
func NewReportView(report *DailyReport, signatureValid *bool) (ReportView, error) {
	a, err := report.Aggregates()
	if err != nil {
		return ReportView{}, err
	}
	view := ReportView{
		DailyReport:    *report,
		Payments:       a.PaymentTotals,
		VAT:            a.VATBreakdown,
		SignatureValid: signatureValid,
	}
	if view.Payments == nil {
		view.Payments = []PaymentTotal{}
	}
	if view.VAT == nil {
		view.VAT = []VATBucket{}
	}
	return view, nil
}

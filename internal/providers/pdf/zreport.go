package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
)

// ZReportData is the printable form of a daily closing report. Amounts are
// preformatted strings.
type ZReportData struct {
	OrgName      string
	BusinessDate string
	Timezone     string
	Status       string
	GeneratedAt  string

	SaleCount string
	Gross     string
	Net       string
	Tax       string

	Payments []ZReportPayment
	VAT      []ZReportVAT

	FirstSequence string
	LastSequence  string

	SignatureHash    string
	SignatureVersion string
	SignatureValid   bool
}

type ZReportPayment struct {
	Method string
	Count  string
	Gross  string
}

type ZReportVAT struct {
	Rate  string
	Base  string
	Tax   string
	Gross string
}

// NewZReportData maps a report view onto its printable form.
func NewZReportData(orgName string, view closingdomain.ReportView) ZReportData {
	data := ZReportData{
		OrgName:          orgName,
		BusinessDate:     view.BusinessDate,
		Timezone:         view.Timezone,
		Status:           string(view.Status),
		GeneratedAt:      view.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		SaleCount:        fmt.Sprintf("%d", view.SaleCount),
		Gross:            view.GrossTotal.StringFixed(2),
		Net:              view.NetTotal.StringFixed(2),
		Tax:              view.TaxTotal.StringFixed(2),
		FirstSequence:    "-",
		LastSequence:     "-",
		SignatureHash:    view.SignatureHash,
		SignatureVersion: view.SignatureVersion,
		SignatureValid:   view.SignatureValid != nil && *view.SignatureValid,
	}
	if view.FirstSequence != nil {
		data.FirstSequence = fmt.Sprintf("%d", *view.FirstSequence)
	}
	if view.LastSequence != nil {
		data.LastSequence = fmt.Sprintf("%d", *view.LastSequence)
	}
	for _, p := range view.Payments {
		data.Payments = append(data.Payments, ZReportPayment{
			Method: p.PaymentMethod,
			Count:  fmt.Sprintf("%d", p.Count),
			Gross:  p.Gross.StringFixed(2),
		})
	}
	for _, v := range view.VAT {
		data.VAT = append(data.VAT, ZReportVAT{
			Rate:  v.Rate.StringFixed(2) + " %",
			Base:  v.Base.StringFixed(2),
			Tax:   v.Tax.StringFixed(2),
			Gross: v.Gross.StringFixed(2),
		})
	}
	return data
}

func (p *PDFProvider) GenerateZReport(ctx context.Context, report ZReportData) (io.Reader, error) {
	if strings.TrimSpace(report.BusinessDate) == "" {
		return nil, fmt.Errorf("z-report business date is required")
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Z report", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, strings.ToUpper(report.Status), props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
			Top:   4,
		}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New(report.OrgName, props.Text{Style: fontstyle.Bold}),
			text.New("Business day: "+report.BusinessDate, props.Text{Top: 5}),
			text.New("Timezone: "+report.Timezone, props.Text{Top: 10}),
			text.New("Generated: "+report.GeneratedAt, props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Sales: "+report.SaleCount, props.Text{Align: align.Right}),
			text.New("Chain entries: "+report.FirstSequence+" to "+report.LastSequence, props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(12, "Totals", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}),
	)
	for _, row := range [][2]string{
		{"Net", report.Net},
		{"VAT", report.Tax},
		{"Gross", report.Gross},
	} {
		m.AddRow(7,
			col.New(8),
			text.NewCol(2, row[0], props.Text{Size: 9}),
			text.NewCol(2, row[1], props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		text.NewCol(12, "Payments", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}),
	)
	m.AddRow(7,
		text.NewCol(6, "Method", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Sales", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Gross", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, payment := range report.Payments {
		m.AddRow(6,
			text.NewCol(6, payment.Method, props.Text{Size: 9}),
			text.NewCol(3, payment.Count, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, payment.Gross, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		text.NewCol(12, "VAT breakdown", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}),
	)
	m.AddRow(7,
		text.NewCol(3, "Rate", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Base", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "VAT", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Gross", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, bucket := range report.VAT {
		m.AddRow(6,
			text.NewCol(3, bucket.Rate, props.Text{Size: 9}),
			text.NewCol(3, bucket.Base, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, bucket.Tax, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, bucket.Gross, props.Text{Size: 9, Align: align.Right}),
		)
	}

	integrity := "Signature verified"
	if !report.SignatureValid {
		integrity = "SIGNATURE MISMATCH"
	}
	m.AddRow(16,
		col.New(12).Add(
			text.New(integrity+" ("+report.SignatureVersion+")", props.Text{Size: 9, Style: fontstyle.Bold, Top: 4}),
			text.New(report.SignatureHash, props.Text{Size: 7, Top: 9}),
		),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

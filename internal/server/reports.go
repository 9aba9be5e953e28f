package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	"github.com/smallbiznis/caisse/internal/providers/pdf"
)

type generateReportRequest struct {
	Date string `json:"date"`
}

type transitionReportRequest struct {
	Status string `json:"status"`
}

// GenerateDailyReport closes a business day. An empty date closes today in
// the tenant timezone.
func (s *Server) GenerateDailyReport(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, _ := actorFromGin(c)
	ctx := c.Request.Context()

	var req generateReportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	date := strings.TrimSpace(req.Date)
	if date == "" {
		today, err := s.organizations.Today(ctx, orgID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		date = today.Format(closingdomain.BusinessDateLayout)
	}

	report, err := s.closingSvc.Generate(ctx, closingdomain.GenerateRequest{
		OrgID:       orgID,
		Date:        date,
		RequestedBy: actorLabel(actor),
	})
	if err != nil {
		var exists *closingdomain.AlreadyExistsError
		if errors.As(err, &exists) && exists.Existing != nil {
			view, viewErr := s.reportView(exists.Existing, false)
			if viewErr == nil {
				err = &ReportConflictError{Err: err, Existing: &view}
			}
		}
		AbortWithError(c, err)
		return
	}

	view, err := s.reportView(report, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": view})
}

// ListDailyReports lists reports newest business day first.
func (s *Server) ListDailyReports(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	page, err := parsePage(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reports, info, err := s.closingSvc.List(c.Request.Context(), orgID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]closingdomain.ReportView, 0, len(reports))
	for i := range reports {
		view, err := s.reportView(&reports[i], false)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

func (s *Server) GetDailyReport(c *gin.Context) {
	report, ok := s.loadReport(c)
	if !ok {
		return
	}

	view, err := s.reportView(report, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) TransitionDailyReport(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, _ := actorFromGin(c)

	var req transitionReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	report, err := s.closingSvc.TransitionStatus(c.Request.Context(), orgID, c.Param("date"),
		closingdomain.ReportStatus(strings.ToLower(strings.TrimSpace(req.Status))), actorLabel(actor))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.reportView(report, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

// DailyReportPDF renders the printable Z report.
func (s *Server) DailyReportPDF(c *gin.Context) {
	report, ok := s.loadReport(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	org, err := s.organizations.GetByID(ctx, report.OrgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	view, err := s.reportView(report, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.pdf.GenerateZReport(ctx, pdf.NewZReportData(org.Name, view))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="z-report-%s.pdf"`, report.BusinessDate))
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) loadReport(c *gin.Context) (*closingdomain.DailyReport, bool) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	report, err := s.closingSvc.Get(c.Request.Context(), orgID, c.Param("date"))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return report, true
}

// reportView decodes report for output, re-deriving its signature when
// withSignature is set.
func (s *Server) reportView(report *closingdomain.DailyReport, withSignature bool) (closingdomain.ReportView, error) {
	var valid *bool
	if withSignature {
		ok, err := s.closingSvc.VerifySignature(report)
		if err != nil {
			return closingdomain.ReportView{}, err
		}
		valid = &ok
	}
	return closingdomain.NewReportView(report, valid)
}

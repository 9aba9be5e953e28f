package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
)

type createSaleRequest struct {
	PaymentMethod string                 `json:"payment_method"`
	Currency      string                 `json:"currency"`
	CompletedAt   *time.Time             `json:"completed_at"`
	Lines         []saledomain.LineInput `json:"lines"`
}

type createSaleResponse struct {
	Sale        *saledomain.Sale          `json:"sale"`
	LedgerEntry ledgerdomain.ExportRecord `json:"ledger_entry"`
}

func (s *Server) CreateSale(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, _ := actorFromGin(c)

	var req createSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sale, entry, err := s.saleSvc.Record(c.Request.Context(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: req.PaymentMethod,
		Currency:      req.Currency,
		Lines:         req.Lines,
		CompletedAt:   req.CompletedAt,
		CreatedBy:     actorLabel(actor),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": createSaleResponse{
		Sale:        sale,
		LedgerEntry: ledgerdomain.NewExportRecord(*entry),
	}})
}

func (s *Server) GetSale(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	saleID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid sale id"))
		return
	}

	sale, err := s.saleSvc.Get(c.Request.Context(), orgID, saleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sale})
}

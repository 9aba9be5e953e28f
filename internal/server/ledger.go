package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"go.uber.org/zap"
)

func (s *Server) ListLedgerEntries(c *gin.Context) {
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

	entries, info, err := s.ledgerSvc.ListEntries(c.Request.Context(), orgID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": info})
}

// ExportLedger streams the whole chain with full hashes for archival.
func (s *Server) ExportLedger(c *gin.Context) {
	orgID, err := orgIDFromGin(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()

	records, err := s.ledgerSvc.ExportEntries(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	exportedAt := s.clock.Now().UTC()
	target := orgID.String()
	if err := s.auditSvc.Record(ctx, auditdomain.Event{
		OrgID:    orgID,
		Action:   auditdomain.ActionLedgerExported,
		TargetID: target,
		Metadata: map[string]any{"entry_count": len(records)},
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="ledger-%s-%s.json"`, orgID, exportedAt.Format("20060102T150405Z")))
	c.JSON(http.StatusOK, gin.H{
		"org_id":      target,
		"exported_at": exportedAt,
		"entries":     records,
	})
}

// VerifyLedger replays the requested chain slice. A broken chain answers 409
// with the full verification result.
func (s *Server) VerifyLedger(c *gin.Context) {
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
	ctx := c.Request.Context()

	if err := s.verifyLimiter.Allow(ctx, orgID.String()); err != nil {
		AbortWithError(c, err)
		return
	}
	release, err := s.verifyLimiter.Acquire(ctx, orgID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer release()

	result, err := s.ledgerSvc.Verify(ctx, ledgerdomain.VerifyRequest{
		OrgID:  orgID,
		Offset: page.Offset,
		Limit:  page.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	metadata := map[string]any{
		"valid":         result.Valid,
		"total_checked": result.TotalChecked,
		"offset":        result.Offset,
		"limit":         result.Limit,
	}
	if result.BrokenAt != nil {
		metadata["broken_at"] = *result.BrokenAt
	}
	if result.FailureKind != nil {
		metadata["failure_kind"] = string(*result.FailureKind)
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Event{
		OrgID:    orgID,
		Action:   auditdomain.ActionLedgerVerified,
		TargetID: orgID.String(),
		Metadata: metadata,
	}); err != nil {
		s.log.Warn("failed to audit ledger verification", zap.String("org_id", orgID.String()), zap.Error(err))
	}

	if !result.Valid {
		AbortWithError(c, &IntegrityError{Result: result})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

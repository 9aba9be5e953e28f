package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/authorization"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/zap"
)

// verifyChains replays every tenant chain in full. A broken chain is logged,
// audited and counted; the sweep moves on to the next tenant.
func (s *Scheduler) verifyChains(ctx context.Context, sw *sweep) error {
	m := obsmetrics.Scheduler()
	err := s.forEachTenant(ctx, sw, authorization.ObjectLedger, authorization.ActionVerify, func(ctx context.Context, orgID snowflake.ID) error {
		result, err := s.ledger.Verify(ctx, ledgerdomain.VerifyRequest{OrgID: orgID})
		if err != nil {
			return fmt.Errorf("verify chain: %w", err)
		}
		m.AddBatchProcessed(JobVerifyChains, "ledger_entries", result.TotalChecked)
		s.integrity.Observe(result, s.clock.Now())
		if !result.Valid {
			s.reportBrokenChain(ctx, sw, orgID, result)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.integrity != nil {
		if err := s.integrity.Push(ctx); err != nil {
			sw.failed++
		}
	}
	return nil
}

func (s *Scheduler) reportBrokenChain(ctx context.Context, sw *sweep, orgID snowflake.ID, result *ledgerdomain.VerificationResult) {
	var kind string
	if result.FailureKind != nil {
		kind = string(*result.FailureKind)
	}
	var brokenAt int64
	if result.BrokenAt != nil {
		brokenAt = *result.BrokenAt
	}

	sw.failed++
	obsmetrics.Scheduler().IncIntegrityFailure(kind)
	s.logger(ctx).Error("ledger.integrity.compromised",
		zap.String("job", sw.job),
		zap.String("run_id", sw.runID),
		zap.String("org_id", orgID.String()),
		zap.Int64("sequence_number", brokenAt),
		zap.String("failure_kind", kind),
		zap.String("message", result.Message),
	)
	s.emitAuditEvent(ctx, auditEvent{
		OrgID:      orgID,
		Action:     auditdomain.ActionLedgerIntegrityFailure,
		TargetType: auditdomain.TargetTypeLedger,
		TargetID:   orgID.String(),
		Metadata: map[string]any{
			"broken_at":     brokenAt,
			"failure_kind":  kind,
			"message":       result.Message,
			"total_checked": result.TotalChecked,
		},
	})
}

// closePreviousDay generates yesterday's report for every tenant that has
// none. Yesterday is computed in the tenant timezone.
func (s *Scheduler) closePreviousDay(ctx context.Context, sw *sweep) error {
	return s.forEachTenant(ctx, sw, authorization.ObjectDailyReport, authorization.ActionGenerate, func(ctx context.Context, orgID snowflake.ID) error {
		today, err := s.orgs.Today(ctx, orgID)
		if err != nil {
			return fmt.Errorf("resolve business day: %w", err)
		}
		date := today.AddDate(0, 0, -1).Format(closingdomain.BusinessDateLayout)

		report, err := s.closing.Generate(ctx, closingdomain.GenerateRequest{
			OrgID:       orgID,
			Date:        date,
			RequestedBy: systemActorID,
		})
		if errors.Is(err, closingdomain.ErrReportAlreadyExists) {
			// Closed earlier by hand or by a previous tick.
			return nil
		}
		if err != nil {
			return fmt.Errorf("close %s: %w", date, err)
		}

		s.logger(ctx).Info("daily_report.closed",
			zap.String("run_id", sw.runID),
			zap.String("business_date", report.BusinessDate),
			zap.Int64("sale_count", report.SaleCount),
			zap.String("gross_total", report.GrossTotal.StringFixed(2)),
		)
		return nil
	})
}

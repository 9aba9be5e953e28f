package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	obslogger "github.com/smallbiznis/caisse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/zap"
)

// sweep is one execution of a job over every tenant.
type sweep struct {
	job       string
	runID     string
	startedAt time.Time
	done      int
	failed    int
}

func (s *Scheduler) startSweep(ctx context.Context, job string) (context.Context, *sweep) {
	sw := &sweep{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), systemActorID)
	s.logger(ctx).Info("scheduler.sweep.start", zap.String("job", job), zap.String("run_id", sw.runID))
	return ctx, sw
}

func (s *Scheduler) finishSweep(ctx context.Context, sw *sweep) {
	fields := []zap.Field{
		zap.String("job", sw.job),
		zap.String("run_id", sw.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(sw.startedAt).Milliseconds()),
		zap.Int("tenants_done", sw.done),
		zap.Int("tenants_failed", sw.failed),
	}
	if sw.failed > 0 {
		s.logger(ctx).Warn("scheduler.sweep.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.sweep.finish", fields...)
}

// forEachTenant runs fn for every organization the system actor may act on
// with object/action. A tenant failure is logged and counted and the sweep
// goes on. Cancellation stops the sweep.
func (s *Scheduler) forEachTenant(ctx context.Context, sw *sweep, object, action string, fn func(context.Context, snowflake.ID) error) error {
	orgIDs, err := s.orgs.ListIDs(ctx)
	if err != nil {
		s.logTenantFailure(ctx, sw, 0, "scheduler.list_orgs_failed", err)
		return err
	}

	for _, orgID := range orgIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		orgCtx := obscontext.WithOrgID(ctx, orgID.String())
		if err := s.authorizeSystem(orgCtx, orgID, object, action); err != nil {
			s.logTenantFailure(orgCtx, sw, orgID, "scheduler.tenant.unauthorized", err)
			continue
		}

		err := fn(orgCtx, orgID)
		switch {
		case err == nil:
			sw.done++
		case isCancellation(err):
			return err
		default:
			s.logTenantFailure(orgCtx, sw, orgID, "scheduler.tenant.failed", err)
		}
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logTenantFailure(ctx context.Context, sw *sweep, orgID snowflake.ID, msg string, err error, fields ...zap.Field) {
	sw.failed++
	base := []zap.Field{
		zap.String("job", sw.job),
		zap.String("run_id", sw.runID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if orgID != 0 {
		base = append(base, zap.String("org_id", orgID.String()))
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/authorization"
	"github.com/smallbiznis/caisse/internal/clock"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	"github.com/smallbiznis/caisse/internal/integritymetrics"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const systemActorID = "scheduler"

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Orgs      organizationdomain.Service
	Ledger    ledgerdomain.Verifier
	Closing   closingdomain.Service
	AuditSvc  auditdomain.Service
	AuthzSvc  authorization.Service
	Integrity *integritymetrics.Recorder `optional:"true"`
	Leader    *LeaderLock                `optional:"true"`
	Config    Config                     `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	orgs      organizationdomain.Service
	ledger    ledgerdomain.Verifier
	closing   closingdomain.Service
	auditSvc  auditdomain.Service
	authzSvc  authorization.Service
	integrity *integritymetrics.Recorder
	leader    *LeaderLock
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Orgs == nil || p.Ledger == nil || p.Closing == nil || p.AuditSvc == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		orgs:      p.Orgs,
		ledger:    p.Ledger,
		closing:   p.Closing,
		auditSvc:  p.AuditSvc,
		authzSvc:  p.AuthzSvc,
		integrity: p.Integrity,
		leader:    p.Leader,
	}, nil
}

// runJob runs fn under timeout. Hitting the deadline is not an error: the
// next tick resumes where the sweep stopped.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(context.Context, *sweep) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, sw := s.startSweep(ctx, name)
	m := obsmetrics.Scheduler()
	m.IncJobRun(name)

	err := fn(ctx, sw)
	m.ObserveJobDuration(name, s.clock.Now().Sub(sw.startedAt))
	if err != nil && sw.failed == 0 {
		sw.failed++
	}
	s.finishSweep(ctx, sw)
	if err == nil {
		return nil
	}

	m.IncJobError(name, err)
	if isCancellation(err) {
		m.IncJobTimeout(name)
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.String("run_id", sw.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. It is a no-op on replicas that do
// not hold the leader lock.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok, err := s.leader.Acquire(parent)
	if err != nil {
		return fmt.Errorf("acquire leader lock: %w", err)
	}
	if !ok {
		s.log.Debug("scheduler.run.skipped", zap.String("reason", "not_leader"))
		return nil
	}
	defer release()

	jobs := []struct {
		name    string
		timeout time.Duration
		run     func(context.Context, *sweep) error
	}{
		{JobVerifyChains, s.cfg.VerifyTimeout, s.verifyChains},
		{JobClosePreviousDay, s.cfg.ClosingTimeout, s.closePreviousDay},
	}

	var runErr error
	for _, job := range jobs {
		if s.isJobEnabled(job.name) {
			runErr = errors.Join(runErr, s.runJob(parent, job.name, job.timeout, job.run))
		}
	}
	return runErr
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

type auditEvent struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

func (s *Scheduler) emitAuditEvent(ctx context.Context, event auditEvent) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Event{
		OrgID:      event.OrgID,
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    systemActorID,
		Metadata:   event.Metadata,
	}); err != nil {
		s.logger(ctx).Warn("scheduler audit failed", zap.String("action", event.Action), zap.Error(err))
	}
}

func (s *Scheduler) authorizeSystem(ctx context.Context, orgID snowflake.ID, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, authorization.Actor{Type: authorization.ActorTypeSystem, ID: systemActorID}, orgID.String(), object, action)
}

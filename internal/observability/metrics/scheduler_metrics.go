package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/caisse/internal/authorization"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeFiscalGuard      = "fiscal_guard"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonImmutableViolation   = "immutable_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	LockResourceLedgerChainHead = "ledger_chain_head"
	LockResourceSchedulerLeader = "scheduler_leader"
)

// SchedulerMetrics captures scheduler and chain-lock health signals exposed
// on /metrics.
type SchedulerMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	runLoopLag        prometheus.Observer
	dbLockWait        *prometheus.HistogramVec
	integrityFailures *prometheus.CounterVec
	lockWaitObserver  map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "caisse"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "caisse_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs cut short by their timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_batch_processed_total",
		Help:        "Tenants processed per scheduler job.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "caisse_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "caisse_db_lock_wait_seconds",
		Help:        "Time spent waiting for SELECT FOR UPDATE row locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})
	integrityFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_ledger_integrity_failures_total",
		Help:        "Broken ledger chains detected by verification, by failure kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		dbLockWait,
		integrityFailures,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceLedgerChainHead: dbLockWait.WithLabelValues(LockResourceLedgerChainHead),
		LockResourceSchedulerLeader: dbLockWait.WithLabelValues(LockResourceSchedulerLeader),
	}

	return &SchedulerMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		batchProcessed:    batchProcessed,
		runLoopLag:        runLoopLag,
		dbLockWait:        dbLockWait,
		integrityFailures: integrityFailures,
		lockWaitObserver:  lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// IncIntegrityFailure counts a broken chain by failure kind.
func (m *SchedulerMetrics) IncIntegrityFailure(kind string) {
	if m == nil || m.integrityFailures == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	m.integrityFailures.WithLabelValues(kind).Inc()
}

// schedulerErrorRule maps one family of failures to its log error type and
// its job error reason. Rules are checked in order.
type schedulerErrorRule struct {
	match     func(error) bool
	errorType string
	reason    string
	retryable bool
}

var schedulerErrorRules = []schedulerErrorRule{
	{isCancellation, SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true},
	{isAuthorizationError, SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false},
	{db.IsImmutableViolation, SchedulerErrorTypeFiscalGuard, SchedulerJobReasonImmutableViolation, false},
	{db.IsLockTimeout, SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true},
	{db.IsSerializationFailure, SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true},
	{db.IsUniqueViolation, SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, false},
	{isGormFailure, SchedulerErrorTypeDB, SchedulerJobReasonUnknown, false},
}

func matchSchedulerError(err error) (schedulerErrorRule, bool) {
	if err == nil {
		return schedulerErrorRule{}, false
	}
	for _, rule := range schedulerErrorRules {
		if rule.match(err) {
			return rule, true
		}
	}
	return schedulerErrorRule{}, false
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
// Errors no rule claims are business rule failures.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if rule, ok := matchSchedulerError(err); ok {
		return rule.errorType
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where
// this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	rule, ok := matchSchedulerError(err)
	return ok && rule.retryable
}

// ClassifySchedulerJobReason maps job errors to the reason label of
// caisse_scheduler_job_errors_total.
func ClassifySchedulerJobReason(err error) string {
	if rule, ok := matchSchedulerError(err); ok {
		return rule.reason
	}
	return SchedulerJobReasonUnknown
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isAuthorizationError(err error) bool {
	for _, target := range []error{
		authorization.ErrForbidden,
		authorization.ErrInvalidActor,
		authorization.ErrInvalidRole,
		authorization.ErrInvalidOrganization,
		authorization.ErrInvalidObject,
		authorization.ErrInvalidAction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isGormFailure(err error) bool {
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/caisse/internal/authorization"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "immutable_violation",
			err:  errors.New("immutable_record: ledger_entries rows cannot be updated"),
			want: SchedulerJobReasonImmutableViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "caisse",
		Environment: "test",
	})

	metrics.AddBatchProcessed("verify_chains", "organizations", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("verify_chains", "organizations"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncIntegrityFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "caisse", Environment: "test"})

	metrics.IncIntegrityFailure("tamper")
	metrics.IncIntegrityFailure("tamper")
	metrics.IncIntegrityFailure("")

	if got := testutil.ToFloat64(metrics.integrityFailures.WithLabelValues("tamper")); got != 2 {
		t.Fatalf("expected 2 tamper failures, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.integrityFailures.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected 1 unknown failure, got %v", got)
	}
}

func TestSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "55P03"}) {
		t.Fatalf("expected lock timeout to be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("boom")) {
		t.Fatalf("expected plain error to be fatal")
	}
	if got := ClassifySchedulerErrorType(authorization.ErrForbidden); got != SchedulerErrorTypeAuthorization {
		t.Fatalf("expected authorization, got %q", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("immutable_record: daily report is closed")); got != SchedulerErrorTypeFiscalGuard {
		t.Fatalf("expected fiscal_guard, got %q", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("no sales")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
}

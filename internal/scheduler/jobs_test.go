package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	auditrepository "github.com/smallbiznis/caisse/internal/audit/repository"
	auditservice "github.com/smallbiznis/caisse/internal/audit/service"
	"github.com/smallbiznis/caisse/internal/authorization"
	"github.com/smallbiznis/caisse/internal/clock"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	closingrepository "github.com/smallbiznis/caisse/internal/closing/repository"
	closingservice "github.com/smallbiznis/caisse/internal/closing/service"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/integritymetrics"
	ledgerrepository "github.com/smallbiznis/caisse/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/caisse/internal/ledger/service"
	"github.com/smallbiznis/caisse/internal/migration"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	organizationrepository "github.com/smallbiznis/caisse/internal/organization/repository"
	organizationservice "github.com/smallbiznis/caisse/internal/organization/service"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	salerepository "github.com/smallbiznis/caisse/internal/sale/repository"
	saleservice "github.com/smallbiznis/caisse/internal/sale/service"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type jobsEnv struct {
	db        *gorm.DB
	registry  *prometheus.Registry
	clock     *clock.FakeClock
	sales     saledomain.Service
	closing   closingdomain.Service
	integrity *integritymetrics.Recorder
	params    Params
	paris     snowflake.ID
	newYork   snowflake.ID
}

func newJobsEnv(t *testing.T) *jobsEnv {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "caisse", Environment: "test"})

	conn := db.NewTest(t)
	require.NoError(t, migration.AutoMigrate(conn))
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	// 09:00 in Paris, 04:00 in New York.
	clk := clock.NewFakeClock(time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	orgs := organizationservice.NewService(organizationservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: organizationrepository.NewRepository(),
	})
	paris, err := orgs.Create(context.Background(), organizationdomain.CreateOrganizationRequest{
		Name: "Boulangerie", CountryCode: "FR", TimezoneName: "Europe/Paris",
	})
	require.NoError(t, err)
	newYork, err := orgs.Create(context.Background(), organizationdomain.CreateOrganizationRequest{
		Name: "Deli", CountryCode: "US", TimezoneName: "America/New_York",
	})
	require.NoError(t, err)

	saleRepo := salerepository.NewRepository()
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo:      ledgerrepository.NewRepository(),
		Snapshots: salerepository.NewSnapshotLoader(saleRepo),
	})
	reportRepo := closingrepository.NewRepository()
	sales := saleservice.NewService(saleservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo:     saleRepo,
		Appender: ledger,
		Fiscal:   config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig()),
		Closed:   closingservice.NewClosedDays(reportRepo, orgs),
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: auditrepository.Provide(),
	})
	closing := closingservice.NewService(closingservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo:     reportRepo,
		Sales:    sales,
		Calendar: orgs,
		Chain:    ledger,
		Audit:    audit,
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{DB: conn, Log: log, Enforcer: enforcer, AuditSvc: audit})
	integrity := integritymetrics.New(nil, log)

	return &jobsEnv{
		db:        conn,
		registry:  registry,
		clock:     clk,
		sales:     sales,
		closing:   closing,
		integrity: integrity,
		params: Params{
			Log: log, GenID: node, Clock: clk,
			Orgs: orgs, Ledger: ledger, Closing: closing,
			AuditSvc: audit, AuthzSvc: authz,
			Integrity: integrity,
		},
		paris:   paris.ID,
		newYork: newYork.ID,
	}
}

func (e *jobsEnv) scheduler(t *testing.T, jobs ...string) *Scheduler {
	t.Helper()
	p := e.params
	p.Config = Config{EnabledJobs: jobs}
	s, err := New(p)
	require.NoError(t, err)
	return s
}

func (e *jobsEnv) sell(t *testing.T, orgID snowflake.ID, at time.Time, price string) *saledomain.Sale {
	t.Helper()
	sale, _, err := e.sales.Record(context.Background(), saledomain.RecordSaleRequest{
		OrgID:         orgID,
		PaymentMethod: "cash",
		CompletedAt:   &at,
		Lines: []saledomain.LineInput{{
			SKU:       "BREAD",
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: decimal.RequireFromString(price),
			VATRate:   decimal.RequireFromString("5.5"),
		}},
	})
	require.NoError(t, err)
	return sale
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestVerifyChainsJobFlagsOnlyTheTamperedTenant(t *testing.T) {
	env := newJobsEnv(t)
	yesterday := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	env.sell(t, env.paris, yesterday, "1.20")
	env.sell(t, env.paris, yesterday.Add(time.Minute), "2.40")
	env.sell(t, env.newYork, yesterday, "3.00")
	tampered := env.sell(t, env.newYork, yesterday.Add(time.Minute), "4.00")

	require.NoError(t, env.db.Exec("UPDATE sales SET gross_total = ? WHERE id = ?", "0.50", tampered.ID).Error)

	s := env.scheduler(t, JobVerifyChains)
	require.NoError(t, s.RunOnce(context.Background()))

	var failures []auditdomain.AuditLog
	require.NoError(t, env.db.Where("action = ?", auditdomain.ActionLedgerIntegrityFailure).Find(&failures).Error)
	require.Len(t, failures, 1)
	require.NotNil(t, failures[0].OrgID)
	assert.Equal(t, env.newYork, *failures[0].OrgID)
	assert.Equal(t, "tamper", failures[0].Metadata["failure_kind"])
	assert.Equal(t, json.Number("2"), failures[0].Metadata["broken_at"])
	assert.Equal(t, "system", failures[0].ActorType)

	families, err := env.integrity.Registry().Gather()
	require.NoError(t, err)
	valid := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "caisse_ledger_chain_valid" {
			continue
		}
		for _, m := range mf.GetMetric() {
			valid[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, valid[env.paris.String()])
	assert.Equal(t, 0.0, valid[env.newYork.String()])

	got := getCounterValue(t, env.registry, "caisse_ledger_integrity_failures_total", map[string]string{
		"service": "caisse", "env": "test", "kind": "tamper",
	})
	assert.Equal(t, 1.0, got)

	// No report was generated because the closing job was not enabled.
	var reports int64
	require.NoError(t, env.db.Model(&closingdomain.DailyReport{}).Count(&reports).Error)
	assert.Zero(t, reports)
}

func TestClosePreviousDayJobUsesTenantCalendar(t *testing.T) {
	env := newJobsEnv(t)
	// 23:30 in Paris on the 15th.
	env.sell(t, env.paris, time.Date(2024, 3, 15, 22, 30, 0, 0, time.UTC), "2.00")
	// 00:30 in Paris on the 16th belongs to today.
	env.sell(t, env.paris, time.Date(2024, 3, 15, 23, 30, 0, 0, time.UTC), "5.00")

	s := env.scheduler(t, JobClosePreviousDay)
	require.NoError(t, s.RunOnce(context.Background()))

	report, err := env.closing.Get(context.Background(), env.paris, "2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.SaleCount)
	assert.Equal(t, "2.00", report.GrossTotal.StringFixed(2))
	assert.Equal(t, systemActorID, report.RequestedBy)

	nyReport, err := env.closing.Get(context.Background(), env.newYork, "2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, int64(0), nyReport.SaleCount)

	// A second tick leaves the closed days alone.
	require.NoError(t, s.RunOnce(context.Background()))
	var reports int64
	require.NoError(t, env.db.Model(&closingdomain.DailyReport{}).Count(&reports).Error)
	assert.Equal(t, int64(2), reports)
}

func TestRunOnceRequiresLeadership(t *testing.T) {
	env := newJobsEnv(t)
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lockCfg := Config{LeaderLockTTL: time.Minute}
	other := NewLeaderLock(client, lockCfg, zaptest.NewLogger(t))
	releaseOther, ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	p := env.params
	p.Config = Config{EnabledJobs: []string{JobClosePreviousDay}}
	p.Leader = NewLeaderLock(client, lockCfg, zaptest.NewLogger(t))
	s, err := New(p)
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(context.Background()))
	var reports int64
	require.NoError(t, env.db.Model(&closingdomain.DailyReport{}).Count(&reports).Error)
	assert.Zero(t, reports)

	releaseOther()
	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, env.db.Model(&closingdomain.DailyReport{}).Count(&reports).Error)
	assert.Equal(t, int64(2), reports)
	assert.False(t, srv.Exists(leaderLockKey))
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobVerifyChains))

	s.cfg.EnabledJobs = []string{"VERIFY_CHAINS"}
	assert.True(t, s.isJobEnabled(JobVerifyChains))
	assert.False(t, s.isJobEnabled(JobClosePreviousDay))
}

func TestRunJobRecordsRuns(t *testing.T) {
	env := newJobsEnv(t)
	s := env.scheduler(t)

	require.NoError(t, s.runJob(context.Background(), "noop", time.Second, func(context.Context, *sweep) error { return nil }))
	got := getCounterValue(t, env.registry, "caisse_scheduler_job_runs_total", map[string]string{
		"service": "caisse", "env": "test", "job": "noop",
	})
	assert.Equal(t, 1.0, got)
}

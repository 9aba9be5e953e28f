package service

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestVerifyEmptyChain(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: f.node.Generate()})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.TotalChecked)
	assert.Equal(t, "no entries to verify", result.Message)
	assert.Empty(t, result.Details)
}

func TestVerifyRejectsBadRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)

	_, err = f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: 1, Offset: -1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPage)
}

func TestVerifyIntactChain(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	for _, gross := range []string{"10.00", "25.50", "4.20"} {
		f.mustAppend(t, orgID, gross)
	}

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.TotalChecked)
	assert.Nil(t, result.BrokenAt)
	assert.Nil(t, result.FailureKind)
	assert.Equal(t, "chain intact: 3 entries verified", result.Message)
	require.Len(t, result.Details, 9)
	for _, detail := range result.Details {
		assert.True(t, detail.Passed)
	}
}

func TestVerifyDetectsTamperedSale(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixtureWithLogger(t, zap.New(core))
	orgID := f.node.Generate()

	f.mustAppend(t, orgID, "10.00")
	s2, _ := f.mustAppend(t, orgID, "25.50")
	f.mustAppend(t, orgID, "4.20")

	require.NoError(t, f.db.Exec("UPDATE sales SET gross_total = ? WHERE id = ?", "99.99", s2.ID).Error)

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	assert.Equal(t, int64(2), *result.BrokenAt)
	require.NotNil(t, result.FailureKind)
	assert.Equal(t, ledgerdomain.FailureKindTamper, *result.FailureKind)
	assert.Equal(t, 2, result.TotalChecked)
	assert.Equal(t, "tamper detected at sequence 2: recomputed hash differs from stored hash", result.Message)

	require.Len(t, result.Details, 6)
	for _, detail := range result.Details[:3] {
		assert.Equal(t, int64(1), detail.SequenceNumber)
		assert.True(t, detail.Passed)
	}
	assert.Equal(t, ledgerdomain.CheckSequence, result.Details[3].Check)
	assert.True(t, result.Details[3].Passed)
	assert.Equal(t, ledgerdomain.CheckLinkage, result.Details[4].Check)
	assert.True(t, result.Details[4].Passed)
	failed := result.Details[5]
	assert.Equal(t, ledgerdomain.CheckTamper, failed.Check)
	assert.False(t, failed.Passed)
	assert.Equal(t, int64(2), failed.SequenceNumber)
	assert.NotEqual(t, failed.Expected, failed.Actual)

	entries := logs.FilterMessage("fiscal ledger integrity compromised").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, orgID.String(), fields["org_id"])
	assert.Equal(t, int64(2), fields["sequence_number"])
	assert.Equal(t, "tamper", fields["failure_kind"])
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	for _, gross := range []string{"1.00", "2.00", "3.00"} {
		f.mustAppend(t, orgID, gross)
	}

	require.NoError(t, f.db.Exec("DROP TRIGGER trg_ledger_entries_no_delete").Error)
	require.NoError(t, f.db.Exec("DELETE FROM ledger_entries WHERE org_id = ? AND sequence_number = 2", orgID).Error)

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	assert.Equal(t, int64(3), *result.BrokenAt)
	assert.Equal(t, ledgerdomain.FailureKindSequence, *result.FailureKind)
	assert.Equal(t, "sequence gap: expected 2, found 3", result.Message)
	assert.Equal(t, 2, result.TotalChecked)

	last := result.Details[len(result.Details)-1]
	assert.Equal(t, "2", last.Expected)
	assert.Equal(t, "3", last.Actual)
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	for _, gross := range []string{"1.00", "2.00", "3.00"} {
		f.mustAppend(t, orgID, gross)
	}

	require.NoError(t, f.db.Exec("DROP TRIGGER trg_ledger_entries_no_update").Error)
	require.NoError(t, f.db.Exec("UPDATE ledger_entries SET previous_hash = ? WHERE org_id = ? AND sequence_number = 2",
		strings.Repeat("f", 64), orgID).Error)

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), *result.BrokenAt)
	assert.Equal(t, ledgerdomain.FailureKindLinkage, *result.FailureKind)
	assert.True(t, strings.HasPrefix(result.Message, "linkage broken at sequence 2"))
}

func TestVerifyMissingSaleCountsAsTamper(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	s1, _ := f.mustAppend(t, orgID, "1.00")

	require.NoError(t, f.db.Exec("DELETE FROM sale_lines WHERE sale_id = ?", s1.ID).Error)
	require.NoError(t, f.db.Exec("DELETE FROM sales WHERE id = ?", s1.ID).Error)

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(1), *result.BrokenAt)
	assert.Equal(t, ledgerdomain.FailureKindTamper, *result.FailureKind)
	assert.Contains(t, result.Message, "is missing")
}

func TestVerifyWindow(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	sales := make([]snowflake.ID, 0, 5)
	for _, gross := range []string{"1.00", "2.00", "3.00", "4.00", "5.00"} {
		sale, _ := f.mustAppend(t, orgID, gross)
		sales = append(sales, sale.ID)
	}

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID, Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.TotalChecked)
	assert.Equal(t, 2, result.Offset)
	assert.Equal(t, 2, result.Limit)
	assert.Equal(t, int64(3), result.Details[0].SequenceNumber)
	assert.Equal(t, sales[2].String(), result.Details[0].SaleID)
	assert.Equal(t, "chain intact: 2 entries verified", result.Message)

	result, err = f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID, Offset: 5})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.TotalChecked)
	assert.Equal(t, "no entries to verify", result.Message)

	require.NoError(t, f.db.Exec("UPDATE sales SET gross_total = ? WHERE id = ?", "40.01", sales[3]).Error)

	result, err = f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID, Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(4), *result.BrokenAt)

	result, err = f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID, Limit: 3})
	require.NoError(t, err)
	assert.True(t, result.Valid, "tampered entry lies outside the window")
}

func TestVerifyCapsWindowToConfiguredMaximum(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.VerifyMaxPageSize = 2
	orgID := f.node.Generate()
	for _, gross := range []string{"1.00", "2.00", "3.00"} {
		f.mustAppend(t, orgID, gross)
	}

	ctx := obscontext.WithActor(context.Background(), "system", "scheduler")
	result, err := f.svc.Verify(ctx, ledgerdomain.VerifyRequest{OrgID: orgID, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Limit)
	assert.Equal(t, 2, result.TotalChecked)
}

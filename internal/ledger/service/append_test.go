package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAppendBuildsGaplessChain(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()

	_, first := f.mustAppend(t, orgID, "10.00")
	_, second := f.mustAppend(t, orgID, "25.50")
	_, third := f.mustAppend(t, orgID, "4.20")

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, ledgerdomain.GenesisHash, first.PreviousHash)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, first.CurrentHash, second.PreviousHash)
	assert.Equal(t, int64(3), third.SequenceNumber)
	assert.Equal(t, second.CurrentHash, third.PreviousHash)
	assert.Equal(t, ledgerdomain.HashVersionV1, third.HashVersion)
	assert.Len(t, third.CurrentHash, 64)
	assert.Equal(t, third.CertifiedAt, third.CertifiedAt.Truncate(time.Millisecond))

	var head ledgerdomain.LedgerChainHead
	require.NoError(t, f.db.Where("org_id = ?", orgID).Take(&head).Error)
	assert.Equal(t, int64(3), head.LastSequence)
	assert.Equal(t, third.CurrentHash, head.LastHash)
}

func TestAppendGenesisMatchesEmptyPreviousHash(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()

	sale, entry := f.mustAppend(t, orgID, "10.00")

	stored, err := f.sales.FindByID(context.Background(), f.db, orgID, sale.ID)
	require.NoError(t, err)
	expected, err := ledgerdomain.DeriveHash(stored.Snapshot(), "")
	require.NoError(t, err)
	assert.Equal(t, expected, entry.CurrentHash)
}

func TestAppendKeepsTenantsIndependent(t *testing.T) {
	f := newFixture(t)
	orgA := f.node.Generate()
	orgB := f.node.Generate()

	f.mustAppend(t, orgA, "1.00")
	f.mustAppend(t, orgA, "2.00")
	_, b1 := f.mustAppend(t, orgB, "3.00")

	assert.Equal(t, int64(1), b1.SequenceNumber)
	assert.Equal(t, ledgerdomain.GenesisHash, b1.PreviousHash)
	assert.Len(t, f.entries(t, orgA), 2)
	assert.Len(t, f.entries(t, orgB), 1)
}

func TestAppendRequiresTransaction(t *testing.T) {
	f := newFixture(t)
	sale := f.newSale(f.node.Generate(), "10.00")

	_, err := f.svc.Append(context.Background(), nil, sale.Snapshot())
	assert.ErrorIs(t, err, ledgerdomain.ErrMissingTransaction)
}

func TestAppendRejectsIncompleteSnapshot(t *testing.T) {
	f := newFixture(t)
	sale := f.newSale(f.node.Generate(), "10.00")
	snapshot := sale.Snapshot()
	snapshot.PaymentMethod = ""

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.Append(context.Background(), tx, snapshot)
		return err
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidSnapshot)
}

func TestAppendRejectsSaleAlreadyChained(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	sale, _ := f.mustAppend(t, orgID, "10.00")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.Append(context.Background(), tx, sale.Snapshot())
		return err
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrSaleAlreadyChained)
	assert.Len(t, f.entries(t, orgID), 1)
}

func TestAppendRollsBackWithSale(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	sale := f.newSale(orgID, "10.00")
	boom := errors.New("printer jammed")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.sales.Create(context.Background(), tx, sale); err != nil {
			return err
		}
		if _, err := f.svc.Append(context.Background(), tx, sale.Snapshot()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, f.entries(t, orgID))
	_, err = f.sales.FindByID(context.Background(), f.db, orgID, sale.ID)
	assert.Error(t, err)

	_, entry := f.mustAppend(t, orgID, "5.00")
	assert.Equal(t, int64(1), entry.SequenceNumber)
}

func TestAppendConcurrentSameTenant(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := f.appendSale(context.Background(), orgID, "1.50"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries := f.entries(t, orgID)
	require.Len(t, entries, workers)
	previous := ledgerdomain.GenesisHash
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.SequenceNumber)
		assert.Equal(t, previous, entry.PreviousHash)
		previous = entry.CurrentHash
	}

	result, err := f.svc.Verify(context.Background(), ledgerdomain.VerifyRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, workers, result.TotalChecked)
}

func TestAppendDetectsHeadMismatch(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	f.mustAppend(t, orgID, "10.00")

	require.NoError(t, f.db.Exec("UPDATE ledger_chain_heads SET last_sequence = 7 WHERE org_id = ?", orgID).Error)

	_, _, err := f.appendSale(context.Background(), orgID, "2.00")
	require.ErrorIs(t, err, ledgerdomain.ErrChainHeadMismatch)

	var consistency *ledgerdomain.ConsistencyError
	require.True(t, errors.As(err, &consistency))
	assert.Equal(t, orgID, consistency.OrgID)
	assert.Equal(t, int64(1), consistency.SequenceNumber)
	assert.Len(t, f.entries(t, orgID), 1)
}

func TestAppendAdoptsChainWhenHeadMissing(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	_, first := f.mustAppend(t, orgID, "10.00")

	require.NoError(t, f.db.Exec("DELETE FROM ledger_chain_heads WHERE org_id = ?", orgID).Error)

	_, second := f.mustAppend(t, orgID, "2.00")
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, first.CurrentHash, second.PreviousHash)
}

func TestClassifyLockErr(t *testing.T) {
	f := newFixture(t)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := f.svc.classifyLockErr(expired, errors.New("interrupted"))
	assert.ErrorIs(t, err, ledgerdomain.ErrChainLockTimeout)
	assert.True(t, ledgerdomain.IsRetryable(err))

	err = f.svc.classifyLockErr(context.Background(), errors.New("ERROR: canceling statement due to lock timeout (SQLSTATE 55P03)"))
	assert.ErrorIs(t, err, ledgerdomain.ErrChainLockTimeout)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, f.svc.classifyLockErr(context.Background(), plain))
}

func TestLedgerEntriesAreImmutable(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	_, entry := f.mustAppend(t, orgID, "10.00")

	err := f.db.Exec("UPDATE ledger_entries SET current_hash = ? WHERE id = ?", strings.Repeat("a", 64), entry.ID).Error
	require.Error(t, err)
	assert.True(t, db.IsImmutableViolation(err))

	err = f.db.Exec("DELETE FROM ledger_entries WHERE id = ?", entry.ID).Error
	require.Error(t, err)
	assert.True(t, db.IsImmutableViolation(err))

	assert.Equal(t, entry.CurrentHash, f.entries(t, orgID)[0].CurrentHash)
}

func TestListEntriesAndExport(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	for _, gross := range []string{"1.00", "2.00", "3.00"} {
		f.mustAppend(t, orgID, gross)
	}

	views, info, err := f.svc.ListEntries(context.Background(), orgID, pageOf(0, 2))
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, int64(1), views[0].SequenceNumber)
	assert.Len(t, views[0].CurrentHash, 16)
	assert.Equal(t, ledgerdomain.GenesisHash[:16], views[0].PreviousHash)

	views, info, err = f.svc.ListEntries(context.Background(), orgID, pageOf(2, 2))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, info.HasMore)
	assert.Equal(t, int64(3), views[0].SequenceNumber)

	records, err := f.svc.ExportEntries(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, record := range records {
		assert.Equal(t, int64(i+1), record.SequenceNumber)
		assert.Len(t, record.CurrentHash, 64)
		assert.Equal(t, ledgerdomain.HashVersionV1, record.HashVersion)
	}
	assert.Equal(t, records[0].CurrentHash, records[1].PreviousHash)

	_, _, err = f.svc.ListEntries(context.Background(), orgID, pageOf(-1, 2))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPage)
	_, err = f.svc.ExportEntries(context.Background(), 0)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)
}

func TestHoldChainLocksWithoutAppending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orgID := f.node.Generate()
	f.mustAppend(t, orgID, "1.00")

	require.ErrorIs(t, f.svc.HoldChain(ctx, nil, orgID), ledgerdomain.ErrMissingTransaction)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.HoldChain(ctx, tx, 0)
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)

	// Holding the lock and appending in the same transaction still chains.
	sale := f.newSale(orgID, "2.00")
	err = f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.svc.HoldChain(ctx, tx, orgID); err != nil {
			return err
		}
		if err := f.sales.Create(ctx, tx, sale); err != nil {
			return err
		}
		_, err := f.svc.Append(ctx, tx, sale.Snapshot())
		return err
	})
	require.NoError(t, err)

	// A fresh tenant gets a head row at sequence zero and no entries.
	fresh := f.node.Generate()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.HoldChain(ctx, tx, fresh)
	}))
	var head ledgerdomain.LedgerChainHead
	require.NoError(t, f.db.Where("org_id = ?", fresh).Take(&head).Error)
	assert.Equal(t, int64(0), head.LastSequence)
	assert.Equal(t, ledgerdomain.GenesisHash, head.LastHash)
	assert.Empty(t, f.entries(t, fresh))

	entries := f.entries(t, orgID)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].CurrentHash, entries[1].PreviousHash)
}

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestErrorClassification(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	lock := &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
	serial := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: ledger_entries.sale_id")))
	assert.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, IsUniqueViolation(lock))
	assert.False(t, IsUniqueViolation(nil))

	assert.True(t, IsLockTimeout(lock))
	assert.True(t, IsLockTimeout(fmt.Errorf("lock head: %w", context.DeadlineExceeded)))
	assert.False(t, IsLockTimeout(unique))

	assert.True(t, IsSerializationFailure(serial))
	assert.False(t, IsSerializationFailure(unique))
}

func TestIsImmutableViolation(t *testing.T) {
	assert.True(t, IsImmutableViolation(errors.New(ImmutableViolationMarker+": ledger_entries is append-only")))
	assert.True(t, IsImmutableViolation(&pgconn.PgError{Code: "P0001", Message: ImmutableViolationMarker + ": daily_reports"}))
	assert.False(t, IsImmutableViolation(&pgconn.PgError{Code: "23505", Message: "duplicate key"}))
	assert.False(t, IsImmutableViolation(errors.New("boom")))
}

func TestNewTestIsolatedAndSnapshotReads(t *testing.T) {
	conn := NewTest(t)
	require.True(t, IsSQLite(conn))
	require.False(t, IsPostgres(conn))

	require.NoError(t, conn.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)").Error)
	require.NoError(t, conn.Exec("INSERT INTO items (id, name) VALUES (1, 'a')").Error)

	var count int64
	err := ReadSnapshot(context.Background(), conn, func(tx *gorm.DB) error {
		return tx.Table("items").Count(&count).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	other := NewTest(t)
	assert.Error(t, other.Exec("SELECT 1 FROM items").Error)

	require.NoError(t, SetLockTimeout(conn, 0))
}

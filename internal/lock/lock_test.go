package lock

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLocker_AcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLocker(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(SweeperLockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(SweeperLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.TryAcquire(ctx, SweeperLockID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by this process already.
	ok, err = l.TryAcquire(ctx, SweeperLockID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, SweeperLockID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_HeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLocker(db)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.TryAcquire(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)

	// Nothing held, nothing to unlock.
	require.NoError(t, l.Release(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLocker(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrConnDone)

	_, err = l.TryAcquire(ctx, 7)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire lock")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(int64(8)).
		WillReturnError(sql.ErrConnDone)

	ok, err := l.TryAcquire(ctx, 8)
	require.NoError(t, err)
	require.True(t, ok)
	err = l.Release(ctx, 8)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryAcquire(ctx, 1)
	assert.False(t, ok)
	ok, _ = l.TryAcquire(ctx, 2)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, 1))
	ok, _ = l.TryAcquire(ctx, 1)
	assert.True(t, ok)
}

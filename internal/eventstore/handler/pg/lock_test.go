package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_tryAcquire_success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO projections.locks`).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}).AddRow("holder-a"))

	lm := NewLockManager(db, "projections.locks", "holder-a")
	ok, err := lm.tryAcquire(context.Background(), 60*time.Second, "my_projection")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockManager_tryAcquire_heldByOther(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO projections.locks`).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}).AddRow("holder-b"))

	lm := NewLockManager(db, "projections.locks", "holder-a")
	ok, err := lm.tryAcquire(context.Background(), 60*time.Second, "my_projection")
	require.NoError(t, err)
	assert.False(t, ok, "a lease held by another instance must not be reported as acquired")
}

func TestLockManager_Acquire_failsFastWhenAlreadyHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO projections.locks`).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}).AddRow("holder-b"))

	lm := NewLockManager(db, "projections.locks", "holder-a")
	errs := lm.Acquire(context.Background(), 60*time.Second, "my_projection")
	err = <-errs
	assert.Error(t, err, "Acquire must surface a non-nil error when the lease is held elsewhere")
}

func TestLockManager_CleanupExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM projections.locks WHERE expires_at < now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	lm := NewLockManager(db, "projections.locks", "holder-a")
	n, err := lm.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

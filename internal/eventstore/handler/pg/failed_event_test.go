package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailedEventLedger_Record_incrementsCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO projections.failed_events`).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(uint32(3)))

	ledger := NewFailedEventLedger(db, "projections.failed_events")
	count, err := ledger.Record(context.Background(), "my_projection", "instance-1", 300, 0, nil, errors.New("boom"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestFailedEventLedger_ListPermanentlyFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"failed_position", "failed_position_offset", "failure_count", "error", "last_failed"}).
		AddRow(100.0, uint32(0), uint32(2), "transient", time.Unix(0, 0)).
		AddRow(200.0, uint32(0), uint32(5), "poison", time.Unix(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM projections.failed_events WHERE`).
		WillReturnRows(rows)

	ledger := NewFailedEventLedger(db, "projections.failed_events")
	permanent, err := ledger.ListPermanentlyFailed(context.Background(), "my_projection", "instance-1", 5)
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	assert.Equal(t, 200.0, permanent[0].Position)
}

func TestFailedEventLedger_Stats_aggregatesPerProjection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"projection_name", "count", "min", "max"}).
		AddRow("orgs", 2, time.Unix(0, 0), time.Unix(0, 0)).
		AddRow("projects", 1, time.Unix(0, 0), time.Unix(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM projections.failed_events GROUP BY projection_name`).
		WillReturnRows(rows)

	ledger := NewFailedEventLedger(db, "projections.failed_events")
	stats, err := ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.PerProjection["orgs"])
}

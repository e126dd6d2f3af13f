package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
)

func newTestHandler(db *sql.DB, maxFailureCount uint32) *StatementHandler {
	return &StatementHandler{
		client:            db,
		projectionName:    "my_projection",
		instanceID:        "instance-1",
		currentStateTable: "projections.current_states",
		tracker:           NewCurrentStateTracker(db, "projections.current_states"),
		ledger:            NewFailedEventLedger(db, "projections.failed_events"),
		maxFailureCount:   maxFailureCount,
		bulkLimit:         10,
	}
}

func stmtAt(pos float64, ok bool) *handler.Statement {
	ev := &eventstore.BaseEvent{
		Pos:    eventstore.GlobalPosition{Position: pos},
		Agg:    "org",
		AggID:  "org-1",
		Typ:    "org.added",
		Instance: "instance-1",
		OwnerID: "org-1",
	}
	if !ok {
		return handler.NewStatement(ev, nil, func(ctx context.Context, ex handler.Executer, name string) error {
			if _, err := ex.ExecContext(ctx, "INSERT INTO target_table (id) VALUES ($1)", "x"); err != nil {
				return err
			}
			return errors.New("constraint violation")
		})
	}
	return handler.NewStatement(ev, nil, func(ctx context.Context, ex handler.Executer, name string) error {
		_, err := ex.ExecContext(ctx, "INSERT INTO target_table (id) VALUES ($1)", "x")
		return err
	})
}

func TestStatementHandler_Update_appliesWholeBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM projections.current_states WHERE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO target_table`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`RELEASE SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO projections.current_states`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM projections.failed_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	h := newTestHandler(db, 3)
	index, err := h.Update(context.Background(), []*handler.Statement{stmtAt(100, true)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatementHandler_Update_quarantinesAfterMaxFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM projections.current_states WHERE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO target_table`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO projections.failed_events`).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(uint32(3)))
	mock.ExpectExec(`INSERT INTO projections.current_states`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h := newTestHandler(db, 3)
	index, err := h.Update(context.Background(), []*handler.Statement{stmtAt(100, false)}, nil)
	require.NoError(t, err, "a permanently-quarantined event must not surface as a failure to the caller")
	assert.Equal(t, 0, index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatementHandler_Update_stopsShortOfRetryableFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM projections.current_states WHERE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO target_table`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT proj_sp_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO projections.failed_events`).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(uint32(1)))
	mock.ExpectCommit()

	h := newTestHandler(db, 3)
	index, err := h.Update(context.Background(), []*handler.Statement{stmtAt(100, false), stmtAt(200, true)}, nil)
	require.ErrorIs(t, err, handler.ErrSomeStmtsFailed)
	assert.Equal(t, -1, index, "the cursor must not advance past an event still within its retry budget")
	require.NoError(t, mock.ExpectationsWereMet())
}

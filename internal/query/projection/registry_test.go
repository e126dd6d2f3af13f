package projection

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

// fakeProjection is the minimal pg.Projection stand-in used to exercise
// the registry without depending on a concrete read model.
type fakeProjection struct {
	name string
}

func (f *fakeProjection) Name() string                               { return f.name }
func (f *fakeProjection) Tables() []string                           { return []string{"fake_table"} }
func (f *fakeProjection) AggregateTypes() []eventstore.AggregateType { return []eventstore.AggregateType{"org"} }
func (f *fakeProjection) EventTypes() []eventstore.EventType         { return []eventstore.EventType{"org.added"} }
func (f *fakeProjection) Init(ctx context.Context) error             { return nil }
func (f *fakeProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	return handler.NewNoOpStatement(event), nil
}

// fakeEventstore supplies only what StatementHandler.Health needs.
type fakeEventstore struct {
	latest eventstore.GlobalPosition
}

func (f *fakeEventstore) Filter(ctx context.Context, query *eventstore.SearchQuery) ([]eventstore.Event, error) {
	return nil, nil
}
func (f *fakeEventstore) LatestPosition(ctx context.Context, query *eventstore.SearchQuery) (eventstore.GlobalPosition, error) {
	return f.latest, nil
}
func (f *fakeEventstore) InstanceIDs(ctx context.Context, query *eventstore.SearchQuery) ([]string, error) {
	return nil, nil
}
func (f *fakeEventstore) Push(ctx context.Context, event eventstore.Event) error { return nil }

func testRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := NewRegistry(db, &fakeEventstore{}, DefaultConfig())
	return reg, mock
}

func TestRegistry_Register_rejectsEmptyNameAndDuplicates(t *testing.T) {
	reg, _ := testRegistry(t)

	err := reg.Register(&fakeProjection{name: ""})
	assert.Error(t, err)

	require.NoError(t, reg.Register(&fakeProjection{name: "orgs"}))
	err = reg.Register(&fakeProjection{name: "orgs"})
	assert.Error(t, err, "registering the same projection name twice must fail")
}

func TestRegistry_List_reflectsRunningState(t *testing.T) {
	reg, _ := testRegistry(t)
	require.NoError(t, reg.Register(&fakeProjection{name: "orgs"}))

	entries := reg.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "orgs", entries[0].Name)
	assert.False(t, entries[0].IsRunning, "a freshly registered projection has not been started")
}

func TestRegistry_Unregister_unknownNameFails(t *testing.T) {
	reg, _ := testRegistry(t)
	err := reg.Unregister("does-not-exist")
	assert.Error(t, err)
}

func TestRegistry_Health_aggregatesAcrossProjections(t *testing.T) {
	reg, mock := testRegistry(t)
	mock.MatchExpectationsInOrder(false)
	require.NoError(t, reg.Register(&fakeProjection{name: "orgs"}))
	require.NoError(t, reg.Register(&fakeProjection{name: "projects"}))

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT (.+) FROM projections.current_states WHERE`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT (.+) FROM projections.failed_events GROUP BY projection_name`).
			WillReturnRows(sqlmock.NewRows([]string{"projection_name", "count", "min", "max"}))
		mock.ExpectQuery(`SELECT (.+) FROM projections.failed_events WHERE`).
			WillReturnRows(sqlmock.NewRows([]string{"failed_position", "failed_position_offset", "failure_count", "error", "last_failed"}))
	}

	summary, err := reg.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalProjections)
	assert.Equal(t, 2, summary.HealthyProjections, "a projection that has never run (position 0) is healthy by definition")
}

func TestRegistry_HealthOne_unknownNameFails(t *testing.T) {
	reg, _ := testRegistry(t)
	_, err := reg.HealthOne(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

var _ pg.Projection = (*fakeProjection)(nil)

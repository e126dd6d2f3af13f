package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zitadel/projection-engine/internal/eventstore"
)

func orgEvent(t *testing.T, typ eventstore.EventType, payload interface{}) *eventstore.BaseEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &eventstore.BaseEvent{
		Pos:        eventstore.GlobalPosition{Position: 100},
		Agg:        orgAggregateType,
		AggID:      "org-1",
		AggVersion: 2,
		Typ:        typ,
		Instance:   "instance-1",
		OwnerID:    "org-1",
		OccurredAt: time.Unix(0, 0),
		Payload:    raw,
	}
}

func TestOrgProjection_ReduceAdded_buildsInsert(t *testing.T) {
	p := NewOrgProjection()
	stmt, err := p.Reduce(orgEvent(t, OrgAddedType, OrgPayload{Name: "acme"}))
	require.NoError(t, err)
	require.False(t, stmt.IsNoop())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`INSERT INTO projections.orgs`).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, stmt.Execute(context.Background(), db, "projections.orgs"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgProjection_ReduceChanged_emptyNameIsNoop(t *testing.T) {
	p := NewOrgProjection()
	stmt, err := p.Reduce(orgEvent(t, OrgChangedType, OrgPayload{Name: ""}))
	require.NoError(t, err)
	assert.True(t, stmt.IsNoop(), "a changed event with no name must not overwrite the stored name with empty")
}

func TestOrgProjection_ReduceDeactivated_buildsUpdate(t *testing.T) {
	p := NewOrgProjection()
	stmt, err := p.Reduce(orgEvent(t, OrgDeactivatedType, struct{}{}))
	require.NoError(t, err)
	require.False(t, stmt.IsNoop())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`UPDATE projections.orgs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, stmt.Execute(context.Background(), db, "projections.orgs"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgProjection_Reduce_unknownEventIsNoop(t *testing.T) {
	p := NewOrgProjection()
	stmt, err := p.Reduce(orgEvent(t, "org.unknown.event", struct{}{}))
	require.NoError(t, err)
	assert.True(t, stmt.IsNoop())
}

func TestOrgProjection_EventTypes_matchesRegisteredSwitch(t *testing.T) {
	p := NewOrgProjection()
	types := p.EventTypes()
	assert.Contains(t, types, OrgAddedType)
	assert.Contains(t, types, OrgDomainPrimarySetType)
	assert.Len(t, types, 6)
	assert.ElementsMatch(t, []eventstore.EventType{
		OrgAddedType, OrgChangedType, OrgDeactivatedType,
		OrgReactivatedType, OrgRemovedType, OrgDomainPrimarySetType,
	}, types)
}

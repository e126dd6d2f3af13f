// Package pg implements the projection engine's Postgres-backed
// collaborators: the current-state (cursor) tracker, the failed-event
// ledger, the distributed lease lock and the StatementHandler that ties
// them together into the transactional batch-apply protocol of
// spec.md §4.4.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

// State is the durable cursor row for one projection, scoped per
// instance (spec.md §3, ProjectionState).
type State struct {
	ProjectionName string
	InstanceID     string
	Position       float64
	PositionOffset uint32
	EventTimestamp sql.NullTime
	UpdatedAt      time.Time
	AggregateType  string
	AggregateID    string
	Sequence       uint64
}

func (s *State) GlobalPosition() eventstore.GlobalPosition {
	if s == nil {
		return eventstore.ZeroPosition
	}
	return eventstore.GlobalPosition{Position: s.Position, PositionOffset: s.PositionOffset}
}

// CurrentStateTracker implements the durable cursor described in
// spec.md §4.2. All operations are single statements; concurrent writers
// to the same (name, instanceID) are serialized by Postgres's row lock.
type CurrentStateTracker struct {
	db    Queryer
	table string
}

// Queryer is the subset of *sql.DB / *sql.Tx the tracker needs, letting it
// run either standalone or inside the handler's batch transaction.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewCurrentStateTracker(db Queryer, table string) *CurrentStateTracker {
	return &CurrentStateTracker{db: db, table: table}
}

// WithQueryer returns a copy of the tracker bound to a different handle
// (typically the handler's current batch transaction).
func (t *CurrentStateTracker) WithQueryer(db Queryer) *CurrentStateTracker {
	return &CurrentStateTracker{db: db, table: t.table}
}

func (t *CurrentStateTracker) Get(ctx context.Context, projectionName, instanceID string) (*State, error) {
	query, args, err := sq.Select(
		"position", "position_offset", "event_timestamp", "updated_at",
		"aggregate_type", "aggregate_id", "sequence").
		From(t.table).
		Where(sq.Eq{"name": projectionName, "instance_id": instanceID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-1a2b3", "unable to build current state query")
	}

	state := &State{ProjectionName: projectionName, InstanceID: instanceID}
	row := t.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&state.Position, &state.PositionOffset, &state.EventTimestamp, &state.UpdatedAt,
		&state.AggregateType, &state.AggregateID, &state.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-3c4d5", "unable to query current state")
	}
	return state, nil
}

// Upsert atomically inserts-or-updates the cursor row. If the incoming
// position is lexicographically <= the stored one, the write is a no-op:
// the cursor can never move backward (spec.md §4.2, §8 invariant 1).
func (t *CurrentStateTracker) Upsert(ctx context.Context, projectionName, instanceID string, pos eventstore.GlobalPosition, eventTimestamp time.Time, aggregateType, aggregateID string, sequence uint64) error {
	query, args, err := sq.Insert(t.table).
		Columns("name", "instance_id", "position", "position_offset", "event_timestamp", "updated_at", "aggregate_type", "aggregate_id", "sequence").
		Values(projectionName, instanceID, pos.Position, pos.PositionOffset, eventTimestamp, sq.Expr("now()"), aggregateType, aggregateID, sequence).
		Suffix(`ON CONFLICT (name, instance_id) DO UPDATE SET
			position = EXCLUDED.position,
			position_offset = EXCLUDED.position_offset,
			event_timestamp = EXCLUDED.event_timestamp,
			updated_at = now(),
			aggregate_type = EXCLUDED.aggregate_type,
			aggregate_id = EXCLUDED.aggregate_id,
			sequence = EXCLUDED.sequence
			WHERE (` + t.table + `.position, ` + t.table + `.position_offset) < (EXCLUDED.position, EXCLUDED.position_offset)`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-5e6f7", "unable to build current state upsert")
	}
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-7g8h9", "unable to upsert current state")
	}
	return nil
}

// Delete removes the cursor row, used to rebuild a projection from
// scratch (spec.md §3: "rebuild explicitly deletes the row").
func (t *CurrentStateTracker) Delete(ctx context.Context, projectionName, instanceID string) error {
	query, args, err := sq.Delete(t.table).
		Where(sq.Eq{"name": projectionName, "instance_id": instanceID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-9i0j1", "unable to build current state delete")
	}
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-1k2l3", "unable to delete current state")
	}
	return nil
}

// Lag reports latestPos - stored.Position (or latestPos if there is no
// stored state yet), per spec.md §4.2 and §8 invariant 7.
func (t *CurrentStateTracker) Lag(ctx context.Context, projectionName, instanceID string, latestPos float64) (float64, error) {
	state, err := t.Get(ctx, projectionName, instanceID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return latestPos, nil
	}
	return latestPos - state.Position, nil
}

var ErrTimeout = errors.New("timed out waiting for projection position")

// WaitForPosition polls at a fixed interval until the stored position is
// at least target (minus a small tolerance), or returns ErrTimeout.
// A timeout means "read-your-own-writes is not guaranteed right now", not
// that the projection is unhealthy (spec.md §9, Open Questions).
func (t *CurrentStateTracker) WaitForPosition(ctx context.Context, projectionName, instanceID string, target eventstore.GlobalPosition, tolerance float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 100 * time.Millisecond
	for {
		state, err := t.Get(ctx, projectionName, instanceID)
		if err != nil {
			return err
		}
		if state != nil && state.Position >= target.Position-tolerance {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: projection %s instance %s target %v", ErrTimeout, projectionName, instanceID, target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

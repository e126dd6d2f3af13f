// Package pg implements eventstore.Eventstore as a query interface over
// the external events table described in spec.md §6. The write path that
// appends to this table is out of scope (spec.md §1); apart from Push,
// which issues a single INSERT, this package only SELECTs.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

const eventsTable = "events"

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Filter(ctx context.Context, query *eventstore.SearchQuery) ([]eventstore.Event, error) {
	builder := selectEvents().From(eventsTable)
	builder = applyFilter(builder, query)
	if query.Limit > 0 {
		builder = builder.Limit(query.Limit)
	}
	if query.Desc {
		builder = builder.OrderBy("position DESC", "in_tx_order DESC")
	} else {
		builder = builder.OrderBy("position ASC", "in_tx_order ASC")
	}

	stmt, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-7h8i9", "unable to build event filter query")
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-9j0k1", "unable to query events")
	}
	defer rows.Close()

	var events []eventstore.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *EventStore) LatestPosition(ctx context.Context, query *eventstore.SearchQuery) (eventstore.GlobalPosition, error) {
	builder := sq.Select("position", "in_tx_order").From(eventsTable)
	builder = applyFilter(builder, query)
	builder = builder.OrderBy("position DESC", "in_tx_order DESC").Limit(1)

	stmt, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return eventstore.ZeroPosition, zerrors.ThrowInternal(err, "PROJ-1l2m3", "unable to build latest position query")
	}

	var pos eventstore.GlobalPosition
	row := s.db.QueryRowContext(ctx, stmt, args...)
	if err := row.Scan(&pos.Position, &pos.PositionOffset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eventstore.ZeroPosition, nil
		}
		return eventstore.ZeroPosition, zerrors.ThrowInternal(err, "PROJ-3n4o5", "unable to query latest position")
	}
	return pos, nil
}

func (s *EventStore) InstanceIDs(ctx context.Context, query *eventstore.SearchQuery) ([]string, error) {
	builder := sq.Select("DISTINCT instance_id").From(eventsTable)
	builder = applyFilter(builder, query)

	stmt, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-5p6q7", "unable to build instance ids query")
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-7r8s9", "unable to query instance ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, zerrors.ThrowInternal(err, "PROJ-9t0u1", "unable to scan instance id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *EventStore) Push(ctx context.Context, event eventstore.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-1v2w3", "unable to marshal event payload")
	}
	query, args, err := sq.Insert(eventsTable).
		Columns("aggregate_type", "aggregate_id", "aggregate_version", "event_type", "payload", "creator", "owner", "instance_id", "created_at").
		Values(string(event.AggregateType()), event.AggregateID(), event.AggregateVersion(), string(event.EventType()), payload, event.Creator(), event.Owner(), event.InstanceID(), sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-3x4y5", "unable to build event push statement")
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-5z6a7", "unable to push event")
	}
	return nil
}

func selectEvents() sq.SelectBuilder {
	return sq.Select(
		"position", "in_tx_order", "aggregate_type", "aggregate_id", "aggregate_version",
		"event_type", "payload", "creator", "owner", "instance_id", "created_at")
}

func applyFilter(builder sq.SelectBuilder, query *eventstore.SearchQuery) sq.SelectBuilder {
	if len(query.AggregateTypes) > 0 {
		builder = builder.Where(sq.Eq{"aggregate_type": toStrings(query.AggregateTypes)})
	}
	if len(query.EventTypes) > 0 {
		builder = builder.Where(sq.Eq{"event_type": toEventTypeStrings(query.EventTypes)})
	}
	if len(query.InstanceIDs) > 0 {
		builder = builder.Where(sq.Eq{"instance_id": query.InstanceIDs})
	}
	if query.PositionAtleast != nil {
		if query.PositionExclusive {
			builder = builder.Where(sq.Expr("(position, in_tx_order) > (?, ?)", query.PositionAtleast.Position, query.PositionAtleast.PositionOffset))
		} else {
			builder = builder.Where(sq.Expr("(position, in_tx_order) >= (?, ?)", query.PositionAtleast.Position, query.PositionAtleast.PositionOffset))
		}
	}
	return builder
}

func toStrings(types []eventstore.AggregateType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func toEventTypeStrings(types []eventstore.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (eventstore.Event, error) {
	e := &eventstore.BaseEvent{}
	var aggType, eventType string
	if err := row.Scan(&e.Pos.Position, &e.Pos.PositionOffset, &aggType, &e.AggID, &e.AggVersion,
		&eventType, &e.Payload, &e.CreatorID, &e.OwnerID, &e.Instance, &e.OccurredAt); err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-7b8c9", "unable to scan event")
	}
	e.Agg = eventstore.AggregateType(aggType)
	e.Typ = eventstore.EventType(eventType)
	return e, nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/zitadel/projection-engine/internal/zerrors"
)

// FailedEvent is the quarantine record described in spec.md §3: keyed by
// (projectionName, position), with a non-decreasing FailureCount. Once
// FailureCount reaches maxRetries it is permanently failed — the handler
// proceeds past it rather than blocking, leaving it for out-of-band
// remediation.
type FailedEvent struct {
	ProjectionName string
	InstanceID     string
	Position       float64
	PositionOffset uint32
	FailureCount   uint32
	LastError      string
	EventData      []byte
	LastFailedAt   time.Time
}

func (f *FailedEvent) ID() string {
	return fmt.Sprintf("%s:%v-%d", f.ProjectionName, f.Position, f.PositionOffset)
}

// FailedEventLedger implements spec.md §4.3. It is advisory: the handler
// consults it only to decide whether an event has exceeded its retry
// budget; it never blocks progress by itself.
type FailedEventLedger struct {
	db    Queryer
	table string
}

func NewFailedEventLedger(db Queryer, table string) *FailedEventLedger {
	return &FailedEventLedger{db: db, table: table}
}

func (l *FailedEventLedger) WithQueryer(db Queryer) *FailedEventLedger {
	return &FailedEventLedger{db: db, table: l.table}
}

// Record increments FailureCount for (projectionName, position) if it
// already exists, or inserts a new row with count 1. It returns the
// failure count after this call.
func (l *FailedEventLedger) Record(ctx context.Context, projectionName, instanceID string, position float64, positionOffset uint32, eventData []byte, cause error) (uint32, error) {
	query, args, err := sq.Insert(l.table).
		Columns("projection_name", "instance_id", "failed_position", "failed_position_offset", "failure_count", "error", "event_data", "last_failed").
		Values(projectionName, instanceID, position, positionOffset, 1, errString(cause), eventData, sq.Expr("now()")).
		Suffix(`ON CONFLICT (projection_name, instance_id, failed_position, failed_position_offset) DO UPDATE SET
			failure_count = ` + l.table + `.failure_count + 1,
			error = EXCLUDED.error,
			last_failed = now()
			RETURNING failure_count`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, zerrors.ThrowInternal(err, "PROJ-2m3n4", "unable to build failed event upsert")
	}
	var count uint32
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, zerrors.ThrowInternal(err, "PROJ-4o5p6", "unable to record failed event")
	}
	return count, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (l *FailedEventLedger) Get(ctx context.Context, projectionName, instanceID string, position float64, positionOffset uint32) (*FailedEvent, error) {
	query, args, err := sq.Select("failure_count", "error", "event_data", "last_failed").
		From(l.table).
		Where(sq.Eq{
			"projection_name":         projectionName,
			"instance_id":             instanceID,
			"failed_position":         position,
			"failed_position_offset":  positionOffset,
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-6q7r8", "unable to build failed event query")
	}
	fe := &FailedEvent{ProjectionName: projectionName, InstanceID: instanceID, Position: position, PositionOffset: positionOffset}
	row := l.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&fe.FailureCount, &fe.LastError, &fe.EventData, &fe.LastFailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-8s9t0", "unable to query failed event")
	}
	return fe, nil
}

func (l *FailedEventLedger) List(ctx context.Context, projectionName, instanceID string) ([]*FailedEvent, error) {
	query, args, err := sq.Select("failed_position", "failed_position_offset", "failure_count", "error", "last_failed").
		From(l.table).
		Where(sq.Eq{"projection_name": projectionName, "instance_id": instanceID}).
		OrderBy("failed_position ASC").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-0u1v2", "unable to build failed events list query")
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-2w3x4", "unable to list failed events")
	}
	defer rows.Close()

	var result []*FailedEvent
	for rows.Next() {
		fe := &FailedEvent{ProjectionName: projectionName, InstanceID: instanceID}
		if err := rows.Scan(&fe.Position, &fe.PositionOffset, &fe.FailureCount, &fe.LastError, &fe.LastFailedAt); err != nil {
			return nil, zerrors.ThrowInternal(err, "PROJ-4y5z6", "unable to scan failed event")
		}
		result = append(result, fe)
	}
	return result, rows.Err()
}

// ListPermanentlyFailed returns failed events whose FailureCount has
// reached maxRetries.
func (l *FailedEventLedger) ListPermanentlyFailed(ctx context.Context, projectionName, instanceID string, maxRetries uint32) ([]*FailedEvent, error) {
	all, err := l.List(ctx, projectionName, instanceID)
	if err != nil {
		return nil, err
	}
	var permanent []*FailedEvent
	for _, fe := range all {
		if fe.FailureCount >= maxRetries {
			permanent = append(permanent, fe)
		}
	}
	return permanent, nil
}

// RemoveByPosition deletes the quarantine row for a position, called once
// a previously-failing event has been successfully re-applied.
func (l *FailedEventLedger) RemoveByPosition(ctx context.Context, projectionName, instanceID string, position float64, positionOffset uint32) error {
	query, args, err := sq.Delete(l.table).
		Where(sq.Eq{
			"projection_name":        projectionName,
			"instance_id":            instanceID,
			"failed_position":        position,
			"failed_position_offset": positionOffset,
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-6a7b8", "unable to build failed event delete")
	}
	_, err = l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-8c9d0", "unable to remove failed event")
	}
	return nil
}

// Clear deletes every quarantine row for a projection (admin action).
func (l *FailedEventLedger) Clear(ctx context.Context, projectionName string) error {
	query, args, err := sq.Delete(l.table).
		Where(sq.Eq{"projection_name": projectionName}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-0e1f2", "unable to build failed events clear")
	}
	_, err = l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-2g3h4", "unable to clear failed events")
	}
	return nil
}

// Stats aggregates across every projection, for an admin stats endpoint.
type Stats struct {
	Total        int
	PerProjection map[string]int
	Oldest       time.Time
	Newest       time.Time
}

func (l *FailedEventLedger) Stats(ctx context.Context) (*Stats, error) {
	query, _, err := sq.Select("projection_name", "count(*)", "min(last_failed)", "max(last_failed)").
		From(l.table).
		GroupBy("projection_name").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-4i5j6", "unable to build failed events stats query")
	}
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-6k7l8", "unable to query failed events stats")
	}
	defer rows.Close()

	stats := &Stats{PerProjection: map[string]int{}}
	for rows.Next() {
		var name string
		var count int
		var oldest, newest time.Time
		if err := rows.Scan(&name, &count, &oldest, &newest); err != nil {
			return nil, zerrors.ThrowInternal(err, "PROJ-8m9n0", "unable to scan failed events stats")
		}
		stats.PerProjection[name] = count
		stats.Total += count
		if stats.Oldest.IsZero() || oldest.Before(stats.Oldest) {
			stats.Oldest = oldest
		}
		if newest.After(stats.Newest) {
			stats.Newest = newest
		}
	}
	return stats, rows.Err()
}

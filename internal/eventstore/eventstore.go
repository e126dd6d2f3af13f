package eventstore

import "context"

// Eventstore is the only surface the projection engine consumes from the
// write side's append-only log. It is deliberately narrow: the log's own
// storage engine, its write path and its API surface are out of scope for
// this subsystem (spec.md §1) — the core only ever reads.
type Eventstore interface {
	// Filter returns events matching query, strictly ordered by
	// (position, positionOffset) ascending (or descending if query.Desc).
	Filter(ctx context.Context, query *SearchQuery) ([]Event, error)

	// LatestPosition returns the highest (position, positionOffset) of any
	// event visible to query's aggregate/event type/instance filter. Used
	// to compute lag. Returns the zero position if the log is empty.
	LatestPosition(ctx context.Context, query *SearchQuery) (GlobalPosition, error)

	// InstanceIDs returns the distinct instance ids that have at least one
	// event matching query. The projection handler's schedule loop does not
	// call it.
	InstanceIDs(ctx context.Context, query *SearchQuery) ([]string, error)

	// Push appends a new event to the log. Neither the projection handlers
	// nor the concrete projections call it; the engine pushes no
	// bookkeeping events of its own.
	Push(ctx context.Context, event Event) error
}

package eventstore

import (
	"encoding/json"
	"time"
)

type AggregateType string

type EventType string

// GlobalPosition identifies an event's place in the log. Position is a
// monotonic, but not necessarily contiguous, real-valued ordering key
// (the log assigns it from the underlying transaction's commit timestamp);
// PositionOffset (a.k.a. in-tx-order) disambiguates events that share a
// Position because they were committed in the same transaction.
//
// The pair is compared lexicographically everywhere in this package: two
// GlobalPositions are ordered first by Position, then by PositionOffset.
type GlobalPosition struct {
	Position       float64
	PositionOffset uint32
}

// Compare returns -1, 0 or 1 if g is less than, equal to, or greater than
// other, using lexicographic order on (Position, PositionOffset).
func (g GlobalPosition) Compare(other GlobalPosition) int {
	switch {
	case g.Position < other.Position:
		return -1
	case g.Position > other.Position:
		return 1
	case g.PositionOffset < other.PositionOffset:
		return -1
	case g.PositionOffset > other.PositionOffset:
		return 1
	default:
		return 0
	}
}

func (g GlobalPosition) Less(other GlobalPosition) bool {
	return g.Compare(other) < 0
}

func (g GlobalPosition) LessOrEqual(other GlobalPosition) bool {
	return g.Compare(other) <= 0
}

// ZeroPosition is the cursor value of a projection that has never applied
// an event: "(-infinity, 0)" represented as "(0, 0)" since Position is
// non-negative in the log.
var ZeroPosition = GlobalPosition{}

// Event is the read-only view the core consumes from the event log.
// Concrete event payloads are opaque to the engine; only concrete
// projections' reducers know how to unmarshal them.
type Event interface {
	GlobalPosition() GlobalPosition
	AggregateType() AggregateType
	AggregateID() string
	AggregateVersion() uint64
	EventType() EventType
	Creator() string
	Owner() string
	InstanceID() string
	CreatedAt() time.Time
	// Unmarshal decodes the event's payload into ptr.
	Unmarshal(ptr interface{}) error
}

// BaseEvent is embedded by concrete event implementations (tests, pseudo
// events) to satisfy the Event interface's accessors.
type BaseEvent struct {
	Pos            GlobalPosition
	Agg            AggregateType
	AggID          string
	AggVersion     uint64
	Typ            EventType
	CreatorID      string
	OwnerID        string
	Instance       string
	OccurredAt     time.Time
	Payload        json.RawMessage
}

func (e *BaseEvent) GlobalPosition() GlobalPosition  { return e.Pos }
func (e *BaseEvent) AggregateType() AggregateType    { return e.Agg }
func (e *BaseEvent) AggregateID() string             { return e.AggID }
func (e *BaseEvent) AggregateVersion() uint64        { return e.AggVersion }
func (e *BaseEvent) EventType() EventType            { return e.Typ }
func (e *BaseEvent) Creator() string                 { return e.CreatorID }
func (e *BaseEvent) Owner() string                   { return e.OwnerID }
func (e *BaseEvent) InstanceID() string              { return e.Instance }
func (e *BaseEvent) CreatedAt() time.Time             { return e.OccurredAt }

func (e *BaseEvent) Unmarshal(ptr interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, ptr)
}

package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	SessionProjectionTable = "projections.sessions"

	sessionAggregateType   eventstore.AggregateType = "session"
	SessionAddedType       eventstore.EventType     = "session.added"
	SessionUserCheckedType eventstore.EventType     = "session.user.checked"
	SessionPasswordCheckedType eventstore.EventType  = "session.password.checked"
	SessionTokenSetType    eventstore.EventType     = "session.token.set"
	SessionTerminatedType  eventstore.EventType     = "session.terminated"
)

const (
	sessionColID         = "id"
	sessionColInstanceID = "instance_id"
	sessionColUserID     = "user_id"
	sessionColSequence   = "sequence"
	sessionColChangedAt  = "change_date"
)

// SessionUserPayload carries the user id a session's checks bind to.
type SessionUserPayload struct {
	UserID string `json:"userId,omitempty"`
}

// SessionProjection materializes login sessions (spec.md §1, §4.9). It
// intentionally ignores the individual authentication-factor checks
// beyond recording that a user was bound to the session: per-factor
// detail lives in the write side, out of scope here.
type SessionProjection struct{}

func NewSessionProjection() *SessionProjection { return &SessionProjection{} }

func (*SessionProjection) Name() string     { return "projections.sessions" }
func (*SessionProjection) Tables() []string { return []string{SessionProjectionTable} }
func (*SessionProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{sessionAggregateType}
}
func (*SessionProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		SessionAddedType, SessionUserCheckedType, SessionPasswordCheckedType,
		SessionTokenSetType, SessionTerminatedType,
	}
}

func (*SessionProjection) Init(ctx context.Context) error { return nil }

func (p *SessionProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case SessionAddedType:
		return pg.NewCreateStatement(event, SessionProjectionTable, []handler.Column{
			{Name: sessionColID, Value: event.AggregateID()},
			{Name: sessionColInstanceID, Value: event.InstanceID()},
			{Name: sessionColSequence, Value: event.AggregateVersion()},
			{Name: sessionColChangedAt, Value: event.CreatedAt()},
		}), nil
	case SessionUserCheckedType:
		payload := new(SessionUserPayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewUpdateStatement(event, SessionProjectionTable,
			[]handler.Column{
				{Name: sessionColUserID, Value: payload.UserID},
				{Name: sessionColSequence, Value: event.AggregateVersion()},
				{Name: sessionColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: sessionColID, Value: event.AggregateID()},
				{Name: sessionColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case SessionPasswordCheckedType, SessionTokenSetType:
		return pg.NewUpdateStatement(event, SessionProjectionTable,
			[]handler.Column{
				{Name: sessionColSequence, Value: event.AggregateVersion()},
				{Name: sessionColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: sessionColID, Value: event.AggregateID()},
				{Name: sessionColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case SessionTerminatedType:
		return pg.NewDeleteStatement(event, SessionProjectionTable, []handler.Column{
			{Name: sessionColID, Value: event.AggregateID()},
			{Name: sessionColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*SessionProjection)(nil)

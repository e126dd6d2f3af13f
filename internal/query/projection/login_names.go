package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	LoginNameProjectionTable = "projections.login_names"

	userAggregateType       eventstore.AggregateType = "user"
	UserAddedType           eventstore.EventType     = "user.added"
	UserUserNameChangedType eventstore.EventType     = "user.username.changed"
	UserRemovedType         eventstore.EventType     = "user.removed"
)

const (
	loginNameColUserID     = "user_id"
	loginNameColInstanceID = "instance_id"
	loginNameColUserName   = "user_name"
	loginNameColSequence   = "sequence"
	loginNameColChangedAt  = "change_date"
)

// UserNamePayload is the JSON shape carried by events that set a user's
// login-relevant username.
type UserNamePayload struct {
	UserName string `json:"userName,omitempty"`
}

// LoginNameProjection materializes, per user, the single username that
// login resolves against (spec.md §1: "each simple on its own" — the
// full org-domain-suffix resolution used by the write side is out of
// scope here).
type LoginNameProjection struct{}

func NewLoginNameProjection() *LoginNameProjection { return &LoginNameProjection{} }

func (*LoginNameProjection) Name() string     { return "projections.login_names" }
func (*LoginNameProjection) Tables() []string { return []string{LoginNameProjectionTable} }
func (*LoginNameProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{userAggregateType}
}
func (*LoginNameProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{UserAddedType, UserUserNameChangedType, UserRemovedType}
}

func (*LoginNameProjection) Init(ctx context.Context) error { return nil }

func (p *LoginNameProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case UserAddedType:
		payload := new(UserNamePayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		return pg.NewCreateStatement(event, LoginNameProjectionTable, []handler.Column{
			{Name: loginNameColUserID, Value: event.AggregateID()},
			{Name: loginNameColInstanceID, Value: event.InstanceID()},
			{Name: loginNameColUserName, Value: payload.UserName},
			{Name: loginNameColSequence, Value: event.AggregateVersion()},
			{Name: loginNameColChangedAt, Value: event.CreatedAt()},
		}), nil
	case UserUserNameChangedType:
		payload := new(UserNamePayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		if payload.UserName == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewUpdateStatement(event, LoginNameProjectionTable,
			[]handler.Column{
				{Name: loginNameColUserName, Value: payload.UserName},
				{Name: loginNameColSequence, Value: event.AggregateVersion()},
				{Name: loginNameColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: loginNameColUserID, Value: event.AggregateID()},
				{Name: loginNameColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case UserRemovedType:
		return pg.NewDeleteStatement(event, LoginNameProjectionTable, []handler.Column{
			{Name: loginNameColUserID, Value: event.AggregateID()},
			{Name: loginNameColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*LoginNameProjection)(nil)

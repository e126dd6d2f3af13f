package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	ApplicationProjectionTable = "projections.applications"

	ApplicationAddedType        eventstore.EventType = "project.application.added"
	ApplicationChangedType      eventstore.EventType = "project.application.changed"
	ApplicationDeactivatedType  eventstore.EventType = "project.application.deactivated"
	ApplicationReactivatedType  eventstore.EventType = "project.application.reactivated"
	ApplicationRemovedType      eventstore.EventType = "project.application.removed"
)

const (
	appColID         = "id"
	appColInstanceID = "instance_id"
	appColProjectID  = "project_id"
	appColName       = "name"
	appColState      = "state"
	appColSequence   = "sequence"
	appColChangedAt  = "change_date"
)

type applicationState int32

const (
	applicationStateActive applicationState = iota + 1
	applicationStateInactive
)

// ApplicationPayload is the JSON shape carried by application lifecycle
// events. OAuth/OIDC/API-specific configuration fields are out of scope
// for this projection (spec.md non-goals: the write side's domain model).
type ApplicationPayload struct {
	AppID string `json:"appId,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ApplicationProjection materializes applications belonging to a project
// (spec.md §1, §4.9).
type ApplicationProjection struct{}

func NewApplicationProjection() *ApplicationProjection { return &ApplicationProjection{} }

func (*ApplicationProjection) Name() string     { return "projections.applications" }
func (*ApplicationProjection) Tables() []string { return []string{ApplicationProjectionTable} }
func (*ApplicationProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{projectAggregateType}
}
func (*ApplicationProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		ApplicationAddedType, ApplicationChangedType, ApplicationDeactivatedType,
		ApplicationReactivatedType, ApplicationRemovedType,
	}
}

func (*ApplicationProjection) Init(ctx context.Context) error { return nil }

func (p *ApplicationProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	payload := new(ApplicationPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	if payload.AppID == "" {
		return handler.NewNoOpStatement(event), nil
	}

	switch event.EventType() {
	case ApplicationAddedType:
		return pg.NewCreateStatement(event, ApplicationProjectionTable, []handler.Column{
			{Name: appColID, Value: payload.AppID},
			{Name: appColInstanceID, Value: event.InstanceID()},
			{Name: appColProjectID, Value: event.AggregateID()},
			{Name: appColName, Value: payload.Name},
			{Name: appColState, Value: applicationStateActive},
			{Name: appColSequence, Value: event.AggregateVersion()},
			{Name: appColChangedAt, Value: event.CreatedAt()},
		}), nil
	case ApplicationChangedType:
		if payload.Name == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewUpdateStatement(event, ApplicationProjectionTable,
			[]handler.Column{
				{Name: appColName, Value: payload.Name},
				{Name: appColSequence, Value: event.AggregateVersion()},
				{Name: appColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: appColID, Value: payload.AppID},
				{Name: appColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case ApplicationDeactivatedType, ApplicationReactivatedType:
		state := applicationStateActive
		if event.EventType() == ApplicationDeactivatedType {
			state = applicationStateInactive
		}
		return pg.NewUpdateStatement(event, ApplicationProjectionTable,
			[]handler.Column{
				{Name: appColState, Value: state},
				{Name: appColSequence, Value: event.AggregateVersion()},
				{Name: appColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: appColID, Value: payload.AppID},
				{Name: appColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case ApplicationRemovedType:
		return pg.NewDeleteStatement(event, ApplicationProjectionTable, []handler.Column{
			{Name: appColID, Value: payload.AppID},
			{Name: appColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*ApplicationProjection)(nil)

package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	ProjectProjectionTable = "projections.projects"

	projectAggregateType    eventstore.AggregateType = "project"
	ProjectAddedType        eventstore.EventType     = "project.added"
	ProjectChangedType      eventstore.EventType     = "project.changed"
	ProjectDeactivatedType  eventstore.EventType     = "project.deactivated"
	ProjectReactivatedType  eventstore.EventType     = "project.reactivated"
	ProjectRemovedType      eventstore.EventType     = "project.removed"
)

const (
	projectColID         = "id"
	projectColInstanceID = "instance_id"
	projectColOrgID      = "resource_owner"
	projectColName       = "name"
	projectColState      = "state"
	projectColSequence   = "sequence"
	projectColChangedAt  = "change_date"
)

type projectState int32

const (
	projectStateActive projectState = iota + 1
	projectStateInactive
	projectStateRemoved
)

// ProjectPayload is the JSON shape carried by project lifecycle events.
type ProjectPayload struct {
	Name string `json:"name,omitempty"`
}

// ProjectProjection materializes the project aggregate (spec.md §1, §4.9).
type ProjectProjection struct{}

func NewProjectProjection() *ProjectProjection { return &ProjectProjection{} }

func (*ProjectProjection) Name() string     { return "projections.projects" }
func (*ProjectProjection) Tables() []string { return []string{ProjectProjectionTable} }
func (*ProjectProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{projectAggregateType}
}
func (*ProjectProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		ProjectAddedType, ProjectChangedType, ProjectDeactivatedType,
		ProjectReactivatedType, ProjectRemovedType,
	}
}

func (*ProjectProjection) Init(ctx context.Context) error { return nil }

func (p *ProjectProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case ProjectAddedType:
		return p.reduceAdded(event)
	case ProjectChangedType:
		return p.reduceChanged(event)
	case ProjectDeactivatedType:
		return p.reduceState(event, projectStateInactive)
	case ProjectReactivatedType:
		return p.reduceState(event, projectStateActive)
	case ProjectRemovedType:
		return pg.NewDeleteStatement(event, ProjectProjectionTable, []handler.Column{
			{Name: projectColID, Value: event.AggregateID()},
			{Name: projectColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

func (p *ProjectProjection) reduceAdded(event eventstore.Event) (*handler.Statement, error) {
	payload := new(ProjectPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	return pg.NewCreateStatement(event, ProjectProjectionTable, []handler.Column{
		{Name: projectColID, Value: event.AggregateID()},
		{Name: projectColInstanceID, Value: event.InstanceID()},
		{Name: projectColOrgID, Value: event.Owner()},
		{Name: projectColName, Value: payload.Name},
		{Name: projectColState, Value: projectStateActive},
		{Name: projectColSequence, Value: event.AggregateVersion()},
		{Name: projectColChangedAt, Value: event.CreatedAt()},
	}), nil
}

func (p *ProjectProjection) reduceChanged(event eventstore.Event) (*handler.Statement, error) {
	payload := new(ProjectPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	if payload.Name == "" {
		return handler.NewNoOpStatement(event), nil
	}
	return pg.NewUpdateStatement(event, ProjectProjectionTable,
		[]handler.Column{
			{Name: projectColName, Value: payload.Name},
			{Name: projectColSequence, Value: event.AggregateVersion()},
			{Name: projectColChangedAt, Value: event.CreatedAt()},
		},
		[]handler.Column{
			{Name: projectColID, Value: event.AggregateID()},
			{Name: projectColInstanceID, Value: event.InstanceID()},
		},
	), nil
}

func (p *ProjectProjection) reduceState(event eventstore.Event, state projectState) (*handler.Statement, error) {
	return pg.NewUpdateStatement(event, ProjectProjectionTable,
		[]handler.Column{
			{Name: projectColState, Value: state},
			{Name: projectColSequence, Value: event.AggregateVersion()},
			{Name: projectColChangedAt, Value: event.CreatedAt()},
		},
		[]handler.Column{
			{Name: projectColID, Value: event.AggregateID()},
			{Name: projectColInstanceID, Value: event.InstanceID()},
		},
	), nil
}

var _ pg.Projection = (*ProjectProjection)(nil)

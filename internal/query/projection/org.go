package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	OrgProjectionTable = "projections.orgs"

	orgAggregateType          eventstore.AggregateType = "org"
	OrgAddedType              eventstore.EventType     = "org.added"
	OrgChangedType            eventstore.EventType     = "org.changed"
	OrgDeactivatedType        eventstore.EventType     = "org.deactivated"
	OrgReactivatedType        eventstore.EventType     = "org.reactivated"
	OrgRemovedType            eventstore.EventType     = "org.removed"
	OrgDomainPrimarySetType   eventstore.EventType     = "org.domain.primary.set"
)

const (
	orgColID          = "id"
	orgColInstanceID  = "instance_id"
	orgColName        = "name"
	orgColState       = "state"
	orgColPrimaryDom  = "primary_domain"
	orgColSequence    = "sequence"
	orgColChangedAt   = "change_date"
)

type orgState int32

const (
	orgStateActive orgState = iota + 1
	orgStateInactive
	orgStateRemoved
)

// OrgPayload is the JSON shape carried by org lifecycle events.
type OrgPayload struct {
	Name string `json:"name,omitempty"`
}

// OrgProjection materializes the org aggregate into a flat read table
// (spec.md §1, §4.9).
type OrgProjection struct{}

func NewOrgProjection() *OrgProjection { return &OrgProjection{} }

func (*OrgProjection) Name() string                                 { return "projections.orgs" }
func (*OrgProjection) Tables() []string                             { return []string{OrgProjectionTable} }
func (*OrgProjection) AggregateTypes() []eventstore.AggregateType   { return []eventstore.AggregateType{orgAggregateType} }
func (*OrgProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		OrgAddedType, OrgChangedType, OrgDeactivatedType,
		OrgReactivatedType, OrgRemovedType, OrgDomainPrimarySetType,
	}
}

func (*OrgProjection) Init(ctx context.Context) error { return nil }

func (p *OrgProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case OrgAddedType:
		return p.reduceAdded(event)
	case OrgChangedType:
		return p.reduceChanged(event)
	case OrgDeactivatedType:
		return p.reduceState(event, orgStateInactive)
	case OrgReactivatedType:
		return p.reduceState(event, orgStateActive)
	case OrgRemovedType:
		return p.reduceState(event, orgStateRemoved)
	case OrgDomainPrimarySetType:
		return p.reduceDomainPrimarySet(event)
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

func (p *OrgProjection) reduceAdded(event eventstore.Event) (*handler.Statement, error) {
	payload := new(OrgPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	return pg.NewCreateStatement(event, OrgProjectionTable, []handler.Column{
		{Name: orgColID, Value: event.AggregateID()},
		{Name: orgColInstanceID, Value: event.InstanceID()},
		{Name: orgColName, Value: payload.Name},
		{Name: orgColState, Value: orgStateActive},
		{Name: orgColSequence, Value: event.AggregateVersion()},
		{Name: orgColChangedAt, Value: event.CreatedAt()},
	}), nil
}

func (p *OrgProjection) reduceChanged(event eventstore.Event) (*handler.Statement, error) {
	payload := new(OrgPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	if payload.Name == "" {
		return handler.NewNoOpStatement(event), nil
	}
	return pg.NewUpdateStatement(event, OrgProjectionTable,
		[]handler.Column{
			{Name: orgColName, Value: payload.Name},
			{Name: orgColSequence, Value: event.AggregateVersion()},
			{Name: orgColChangedAt, Value: event.CreatedAt()},
		},
		[]handler.Column{
			{Name: orgColID, Value: event.AggregateID()},
			{Name: orgColInstanceID, Value: event.InstanceID()},
		},
	), nil
}

func (p *OrgProjection) reduceState(event eventstore.Event, state orgState) (*handler.Statement, error) {
	return pg.NewUpdateStatement(event, OrgProjectionTable,
		[]handler.Column{
			{Name: orgColState, Value: state},
			{Name: orgColSequence, Value: event.AggregateVersion()},
			{Name: orgColChangedAt, Value: event.CreatedAt()},
		},
		[]handler.Column{
			{Name: orgColID, Value: event.AggregateID()},
			{Name: orgColInstanceID, Value: event.InstanceID()},
		},
	), nil
}

func (p *OrgProjection) reduceDomainPrimarySet(event eventstore.Event) (*handler.Statement, error) {
	payload := new(struct {
		Domain string `json:"domain"`
	})
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}
	return pg.NewUpdateStatement(event, OrgProjectionTable,
		[]handler.Column{
			{Name: orgColPrimaryDom, Value: payload.Domain},
			{Name: orgColSequence, Value: event.AggregateVersion()},
			{Name: orgColChangedAt, Value: event.CreatedAt()},
		},
		[]handler.Column{
			{Name: orgColID, Value: event.AggregateID()},
			{Name: orgColInstanceID, Value: event.InstanceID()},
		},
	), nil
}

var _ pg.Projection = (*OrgProjection)(nil)

package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	PasswordComplexityPolicyProjectionTable = "projections.password_complexity_policies"

	policyAddedType   eventstore.EventType = "policy.password.complexity.added"
	policyChangedType eventstore.EventType = "policy.password.complexity.changed"
	policyRemovedType eventstore.EventType = "policy.password.complexity.removed"
)

const (
	policyColInstanceID   = "instance_id"
	policyColAggregateID  = "aggregate_id"
	policyColMinLength    = "min_length"
	policyColHasUppercase = "has_uppercase"
	policyColHasLowercase = "has_lowercase"
	policyColHasNumber    = "has_number"
	policyColHasSymbol    = "has_symbol"
	policyColIsDefault    = "is_default"
	policyColSequence     = "sequence"
	policyColChangedAt    = "change_date"
)

// PasswordComplexityPolicyPayload is the JSON shape carried by password
// complexity policy events. The policy aggregate may be the instance
// (default policy) or an org (override); both share the same event
// types and are disambiguated only by AggregateType/AggregateID.
type PasswordComplexityPolicyPayload struct {
	MinLength    uint64 `json:"minLength"`
	HasUppercase bool   `json:"hasUppercase"`
	HasLowercase bool   `json:"hasLowercase"`
	HasNumber    bool   `json:"hasNumber"`
	HasSymbol    bool   `json:"hasSymbol"`
}

// PasswordComplexityPolicyProjection materializes password complexity
// policies for both instance defaults and org-level overrides (spec.md
// §1, §4.9).
type PasswordComplexityPolicyProjection struct{}

func NewPasswordComplexityPolicyProjection() *PasswordComplexityPolicyProjection {
	return &PasswordComplexityPolicyProjection{}
}

func (*PasswordComplexityPolicyProjection) Name() string {
	return "projections.password_complexity_policies"
}
func (*PasswordComplexityPolicyProjection) Tables() []string {
	return []string{PasswordComplexityPolicyProjectionTable}
}
func (*PasswordComplexityPolicyProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{instanceAggregateType, orgAggregateType}
}
func (*PasswordComplexityPolicyProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{policyAddedType, policyChangedType, policyRemovedType}
}

func (*PasswordComplexityPolicyProjection) Init(ctx context.Context) error { return nil }

func (p *PasswordComplexityPolicyProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case policyAddedType:
		payload := new(PasswordComplexityPolicyPayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		return pg.NewCreateStatement(event, PasswordComplexityPolicyProjectionTable, []handler.Column{
			{Name: policyColAggregateID, Value: event.AggregateID()},
			{Name: policyColInstanceID, Value: event.InstanceID()},
			{Name: policyColMinLength, Value: payload.MinLength},
			{Name: policyColHasUppercase, Value: payload.HasUppercase},
			{Name: policyColHasLowercase, Value: payload.HasLowercase},
			{Name: policyColHasNumber, Value: payload.HasNumber},
			{Name: policyColHasSymbol, Value: payload.HasSymbol},
			{Name: policyColIsDefault, Value: event.AggregateType() == instanceAggregateType},
			{Name: policyColSequence, Value: event.AggregateVersion()},
			{Name: policyColChangedAt, Value: event.CreatedAt()},
		}), nil
	case policyChangedType:
		payload := new(PasswordComplexityPolicyPayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		return pg.NewUpdateStatement(event, PasswordComplexityPolicyProjectionTable,
			[]handler.Column{
				{Name: policyColMinLength, Value: payload.MinLength},
				{Name: policyColHasUppercase, Value: payload.HasUppercase},
				{Name: policyColHasLowercase, Value: payload.HasLowercase},
				{Name: policyColHasNumber, Value: payload.HasNumber},
				{Name: policyColHasSymbol, Value: payload.HasSymbol},
				{Name: policyColSequence, Value: event.AggregateVersion()},
				{Name: policyColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: policyColAggregateID, Value: event.AggregateID()},
				{Name: policyColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case policyRemovedType:
		return pg.NewDeleteStatement(event, PasswordComplexityPolicyProjectionTable, []handler.Column{
			{Name: policyColAggregateID, Value: event.AggregateID()},
			{Name: policyColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*PasswordComplexityPolicyProjection)(nil)

package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	SMTPConfigProjectionTable = "projections.smtp_configs"

	instanceAggregateType  eventstore.AggregateType = "instance"
	SMTPConfigAddedType    eventstore.EventType     = "instance.smtp.config.added"
	SMTPConfigChangedType  eventstore.EventType     = "instance.smtp.config.changed"
	SMTPConfigActivatedType eventstore.EventType    = "instance.smtp.config.activated"
	SMTPConfigDeactivatedType eventstore.EventType  = "instance.smtp.config.deactivated"
	SMTPConfigRemovedType  eventstore.EventType     = "instance.smtp.config.removed"
)

const (
	smtpColInstanceID = "instance_id"
	smtpColHost       = "host"
	smtpColUser       = "user"
	smtpColSenderAddr = "sender_address"
	smtpColActive     = "is_active"
	smtpColSequence   = "sequence"
	smtpColChangedAt  = "change_date"
)

// SMTPConfigPayload is the JSON shape carried by SMTP config events. The
// credential secret is out of scope for the read model (spec.md
// non-goals: secret material never lands in a projection table).
type SMTPConfigPayload struct {
	Host          string `json:"host,omitempty"`
	User          string `json:"user,omitempty"`
	SenderAddress string `json:"senderAddress,omitempty"`
}

// SMTPConfigProjection materializes one outbound-mail config row per
// instance (spec.md §1, §4.9).
type SMTPConfigProjection struct{}

func NewSMTPConfigProjection() *SMTPConfigProjection { return &SMTPConfigProjection{} }

func (*SMTPConfigProjection) Name() string     { return "projections.smtp_configs" }
func (*SMTPConfigProjection) Tables() []string { return []string{SMTPConfigProjectionTable} }
func (*SMTPConfigProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{instanceAggregateType}
}
func (*SMTPConfigProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		SMTPConfigAddedType, SMTPConfigChangedType, SMTPConfigActivatedType,
		SMTPConfigDeactivatedType, SMTPConfigRemovedType,
	}
}

func (*SMTPConfigProjection) Init(ctx context.Context) error { return nil }

func (p *SMTPConfigProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	switch event.EventType() {
	case SMTPConfigAddedType:
		payload := new(SMTPConfigPayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		return pg.NewUpsertStatement(event, SMTPConfigProjectionTable,
			[]string{smtpColInstanceID},
			[]handler.Column{
				{Name: smtpColInstanceID, Value: event.InstanceID()},
				{Name: smtpColHost, Value: payload.Host},
				{Name: smtpColUser, Value: payload.User},
				{Name: smtpColSenderAddr, Value: payload.SenderAddress},
				{Name: smtpColActive, Value: false},
				{Name: smtpColSequence, Value: event.AggregateVersion()},
				{Name: smtpColChangedAt, Value: event.CreatedAt()},
			}), nil
	case SMTPConfigChangedType:
		payload := new(SMTPConfigPayload)
		if err := event.Unmarshal(payload); err != nil {
			return nil, err
		}
		return pg.NewUpdateStatement(event, SMTPConfigProjectionTable,
			[]handler.Column{
				{Name: smtpColHost, Value: payload.Host},
				{Name: smtpColUser, Value: payload.User},
				{Name: smtpColSenderAddr, Value: payload.SenderAddress},
				{Name: smtpColSequence, Value: event.AggregateVersion()},
				{Name: smtpColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{{Name: smtpColInstanceID, Value: event.InstanceID()}},
		), nil
	case SMTPConfigActivatedType, SMTPConfigDeactivatedType:
		return pg.NewUpdateStatement(event, SMTPConfigProjectionTable,
			[]handler.Column{
				{Name: smtpColActive, Value: event.EventType() == SMTPConfigActivatedType},
				{Name: smtpColSequence, Value: event.AggregateVersion()},
				{Name: smtpColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{{Name: smtpColInstanceID, Value: event.InstanceID()}},
		), nil
	case SMTPConfigRemovedType:
		return pg.NewDeleteStatement(event, SMTPConfigProjectionTable, []handler.Column{
			{Name: smtpColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*SMTPConfigProjection)(nil)

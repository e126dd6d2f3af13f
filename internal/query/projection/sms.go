package projection

import (
	"context"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
)

const (
	SMSConfigProjectionTable = "projections.sms_configs"

	SMSConfigTwilioAddedType   eventstore.EventType = "instance.sms.config.twilio.added"
	SMSConfigTwilioChangedType eventstore.EventType = "instance.sms.config.twilio.changed"
	SMSConfigActivatedType     eventstore.EventType = "instance.sms.config.activated"
	SMSConfigDeactivatedType   eventstore.EventType = "instance.sms.config.deactivated"
	SMSConfigRemovedType       eventstore.EventType = "instance.sms.config.removed"
)

const (
	smsColInstanceID = "instance_id"
	smsColID         = "id"
	smsColSID        = "sid"
	smsColSenderNum  = "sender_number"
	smsColActive     = "is_active"
	smsColSequence   = "sequence"
	smsColChangedAt  = "change_date"
)

// SMSConfigPayload is the JSON shape carried by Twilio SMS config events.
// The auth token secret is out of scope for the read model, mirroring
// SMTPConfigPayload's handling of credentials.
type SMSConfigPayload struct {
	ID           string `json:"id,omitempty"`
	SID          string `json:"sid,omitempty"`
	SenderNumber string `json:"senderNumber,omitempty"`
}

// SMSConfigProjection materializes one row per SMS-provider config,
// keyed by (id, instance_id) (spec.md §1, §4.9).
type SMSConfigProjection struct{}

func NewSMSConfigProjection() *SMSConfigProjection { return &SMSConfigProjection{} }

func (*SMSConfigProjection) Name() string     { return "projections.sms_configs" }
func (*SMSConfigProjection) Tables() []string { return []string{SMSConfigProjectionTable} }
func (*SMSConfigProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{instanceAggregateType}
}
func (*SMSConfigProjection) EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		SMSConfigTwilioAddedType, SMSConfigTwilioChangedType, SMSConfigActivatedType,
		SMSConfigDeactivatedType, SMSConfigRemovedType,
	}
}

func (*SMSConfigProjection) Init(ctx context.Context) error { return nil }

func (p *SMSConfigProjection) Reduce(event eventstore.Event) (*handler.Statement, error) {
	payload := new(SMSConfigPayload)
	if err := event.Unmarshal(payload); err != nil {
		return nil, err
	}

	switch event.EventType() {
	case SMSConfigTwilioAddedType:
		if payload.ID == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewCreateStatement(event, SMSConfigProjectionTable, []handler.Column{
			{Name: smsColID, Value: payload.ID},
			{Name: smsColInstanceID, Value: event.InstanceID()},
			{Name: smsColSID, Value: payload.SID},
			{Name: smsColSenderNum, Value: payload.SenderNumber},
			{Name: smsColActive, Value: false},
			{Name: smsColSequence, Value: event.AggregateVersion()},
			{Name: smsColChangedAt, Value: event.CreatedAt()},
		}), nil
	case SMSConfigTwilioChangedType:
		if payload.ID == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewUpdateStatement(event, SMSConfigProjectionTable,
			[]handler.Column{
				{Name: smsColSID, Value: payload.SID},
				{Name: smsColSenderNum, Value: payload.SenderNumber},
				{Name: smsColSequence, Value: event.AggregateVersion()},
				{Name: smsColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: smsColID, Value: payload.ID},
				{Name: smsColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case SMSConfigActivatedType, SMSConfigDeactivatedType:
		if payload.ID == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewUpdateStatement(event, SMSConfigProjectionTable,
			[]handler.Column{
				{Name: smsColActive, Value: event.EventType() == SMSConfigActivatedType},
				{Name: smsColSequence, Value: event.AggregateVersion()},
				{Name: smsColChangedAt, Value: event.CreatedAt()},
			},
			[]handler.Column{
				{Name: smsColID, Value: payload.ID},
				{Name: smsColInstanceID, Value: event.InstanceID()},
			},
		), nil
	case SMSConfigRemovedType:
		if payload.ID == "" {
			return handler.NewNoOpStatement(event), nil
		}
		return pg.NewDeleteStatement(event, SMSConfigProjectionTable, []handler.Column{
			{Name: smsColID, Value: payload.ID},
			{Name: smsColInstanceID, Value: event.InstanceID()},
		}), nil
	default:
		return handler.NewNoOpStatement(event), nil
	}
}

var _ pg.Projection = (*SMSConfigProjection)(nil)

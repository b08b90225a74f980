package runtime

import (
	"time"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/internal/runtime/ids"
	jsoncodec "github.com/nimbusmq/nimbus/internal/runtime/jsoncodec"
	"github.com/nimbusmq/nimbus/transport"
)

// MessageFactory builds envelopes. It owns the only place where message ids
// are generated, so each logical message gets exactly one id.
type MessageFactory struct {
	clock           clock.Clock
	codec           Codec
	applicationName string
	instanceName    string
}

// NewMessageFactory wires the factory's collaborators.
func NewMessageFactory(clk clock.Clock, codec Codec, applicationName, instanceName string) *MessageFactory {
	return &MessageFactory{
		clock:           clk,
		codec:           codec,
		applicationName: applicationName,
		instanceName:    instanceName,
	}
}

// New builds an envelope for payload with the supplied time to live.
func (f *MessageFactory) New(payload any, ttl time.Duration) (*transport.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	typeName := typeNameOf(payload)
	data, err := f.codec.Marshal(payload)
	if err != nil {
		return nil, &errspkg.SerializationError{TypeName: typeName, Err: err}
	}

	msg := &transport.Message{
		ID:              ids.NewMessageID(),
		Payload:         data,
		EnqueuedTimeUTC: f.clock.Now(),
		ExpiresAfter:    ttl,
	}
	msg.SetProperty(transport.PropMessageType, typeName)
	msg.SetProperty(transport.PropSenderApplication, f.applicationName)
	msg.SetProperty(transport.PropSenderInstance, f.instanceName)
	msg.SetDeliveryAttempt(0)
	return msg, nil
}

// NewRequest builds a request envelope with its reply path attached.
func (f *MessageFactory) NewRequest(payload any, ttl time.Duration, replyTo string) (*transport.Message, error) {
	msg, err := f.New(payload, ttl)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = replyTo
	return msg, nil
}

// NewReply wraps a handler's return value in a reply envelope. The reply
// preserves the request's message id as its correlation id.
func (f *MessageFactory) NewReply(request *transport.Message, payload any, ttl time.Duration) (*transport.Message, error) {
	msg, err := f.New(payload, ttl)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = request.ID
	return msg, nil
}

// FaultPayload is the serialized form of a remote handler failure.
type FaultPayload struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// NewFaultReply builds a reply envelope carrying the fault marker and the
// serialized error details.
func (f *MessageFactory) NewFaultReply(request *transport.Message, cause error, ttl time.Duration) (*transport.Message, error) {
	fault := FaultPayload{Message: cause.Error(), Type: typeNameOf(cause)}
	data, err := jsoncodec.Marshal(fault)
	if err != nil {
		return nil, &errspkg.SerializationError{TypeName: "fault", Err: err}
	}

	msg := &transport.Message{
		ID:              ids.NewMessageID(),
		CorrelationID:   request.ID,
		Payload:         data,
		EnqueuedTimeUTC: f.clock.Now(),
		ExpiresAfter:    ttl,
	}
	msg.SetProperty(transport.PropMessageType, typeNameOf(fault))
	msg.SetProperty(transport.PropSenderApplication, f.applicationName)
	msg.SetProperty(transport.PropSenderInstance, f.instanceName)
	msg.SetProperty(transport.PropFaulted, "true")
	msg.SetDeliveryAttempt(0)
	return msg, nil
}

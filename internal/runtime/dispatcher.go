package runtime

import (
	"context"
	"time"

	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// DispatchOutcome tells the transport pump how to settle the delivery.
type DispatchOutcome int

const (
	DispatchAck DispatchOutcome = iota
	DispatchNack
)

// DispatchResult is the outcome of one dispatch. The core never settles
// messages itself; the pump acks or nacks based on this result.
type DispatchResult struct {
	Outcome DispatchOutcome
	Err     error
}

func ackResult() DispatchResult { return DispatchResult{Outcome: DispatchAck} }

func nackResult(err error) DispatchResult {
	return DispatchResult{Outcome: DispatchNack, Err: err}
}

// Dispatcher converts a received envelope into handler invocations.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *transport.Message) DispatchResult
}

// dispatcherDeps are the collaborators shared by all dispatcher variants.
type dispatcherDeps struct {
	registry *HandlerRegistry
	resolver DependencyResolver
	inbound  InboundInterceptorFactory
	factory  *MessageFactory
	logger   logging.ServiceLogger

	// sendReply routes a reply envelope through the full outbound pipeline.
	sendReply func(ctx context.Context, path string, msg *transport.Message) error

	replyTTL            time.Duration
	maxDeliveryAttempts int
}

// newDispatcher selects the dispatcher variant for a handler shape.
func newDispatcher(shape HandlerShape, deps dispatcherDeps) Dispatcher {
	return &messageDispatcher{shape: shape, deps: deps}
}

type messageDispatcher struct {
	shape HandlerShape
	deps  dispatcherDeps
}

func (d *messageDispatcher) Dispatch(ctx context.Context, msg *transport.Message) DispatchResult {
	typeName := msg.Property(transport.PropMessageType)
	bindings := d.deps.registry.bindingsFor(d.shape, typeName)
	if len(bindings) == 0 {
		return nackResult(&errspkg.UnknownMessageTypeError{TypeName: typeName})
	}

	scope, err := d.deps.resolver.CreateChildScope()
	if err != nil {
		return nackResult(err)
	}
	defer scope.Close()

	logger := d.deps.logger.With(logging.LogFields{
		"message_id":   msg.ID,
		"message_type": typeName,
		"shape":        d.shape.String(),
	})
	hc := newHandlerContext(ctx, msg, scope, logger)

	interceptors := d.deps.inbound(scope, msg)

	err = runInbound(interceptors, hc, func() error {
		return d.invokeHandlers(hc, msg, bindings)
	})
	if err != nil {
		d.maybeSendFault(hc, msg, err)
		return nackResult(err)
	}
	return ackResult()
}

func (d *messageDispatcher) invokeHandlers(hc *HandlerContext, msg *transport.Message, bindings []*handlerBinding) error {
	switch d.shape {
	case ShapeCommand:
		_, err := bindings[0].invoke(hc)
		return err

	case ShapeCompetingEvent, ShapeMulticastEvent:
		// Every handler runs; any failure fails the whole dispatch so the
		// transport may redeliver, and the composite carries each error.
		var failures []error
		for _, b := range bindings {
			if _, err := b.invoke(hc); err != nil {
				failures = append(failures, err)
			}
		}
		if len(failures) > 0 {
			return &errspkg.CompositeDispatchError{Errors: failures}
		}
		return nil

	case ShapeRequest:
		reply, err := bindings[0].invoke(hc)
		if err != nil {
			return err
		}
		return d.reply(hc, msg, reply)

	case ShapeMulticastRequest:
		var failures []error
		for _, b := range bindings {
			reply, err := b.invoke(hc)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			if err := d.reply(hc, msg, reply); err != nil {
				failures = append(failures, err)
			}
		}
		if len(failures) > 0 {
			return &errspkg.CompositeDispatchError{Errors: failures}
		}
		return nil

	default:
		return &errspkg.UnknownMessageTypeError{TypeName: msg.Property(transport.PropMessageType)}
	}
}

func (d *messageDispatcher) reply(hc *HandlerContext, request *transport.Message, payload any) error {
	if request.ReplyTo == "" {
		return errspkg.ErrNoReplyTo
	}
	reply, err := d.deps.factory.NewReply(request, payload, d.deps.replyTTL)
	if err != nil {
		return err
	}
	return d.deps.sendReply(hc.Context(), request.ReplyTo, reply)
}

// maybeSendFault tells the caller about a request that is out of retries.
// Earlier attempts stay silent so a redelivery can still succeed.
func (d *messageDispatcher) maybeSendFault(hc *HandlerContext, msg *transport.Message, cause error) {
	if d.shape != ShapeRequest || msg.ReplyTo == "" {
		return
	}
	if hc.DeliveryAttempt() < d.deps.maxDeliveryAttempts {
		return
	}

	fault, err := d.deps.factory.NewFaultReply(msg, cause, d.deps.replyTTL)
	if err != nil {
		d.deps.logger.Error("failed to build fault reply", err, logging.LogFields{"message_id": msg.ID})
		return
	}
	if err := d.deps.sendReply(hc.Context(), msg.ReplyTo, fault); err != nil {
		d.deps.logger.Error("failed to send fault reply", err, logging.LogFields{"message_id": msg.ID})
	}
}

// replyDispatcher feeds reply envelopes into the correlator. Replies are
// always acked; unmatched ones are dropped by design.
type replyDispatcher struct {
	correlator *Correlator
}

func (d *replyDispatcher) Dispatch(ctx context.Context, msg *transport.Message) DispatchResult {
	d.correlator.TryComplete(msg)
	return ackResult()
}

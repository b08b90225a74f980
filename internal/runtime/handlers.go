package runtime

import (
	"context"
	"strconv"

	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// HandlerContext carries the dispatch context into a handler invocation:
// the request context, the envelope under dispatch, the dependency scope, and
// a logger scoped to the dispatch.
type HandlerContext struct {
	ctx    context.Context
	msg    *transport.Message
	scope  Scope
	logger logging.ServiceLogger
}

func newHandlerContext(ctx context.Context, msg *transport.Message, scope Scope, logger logging.ServiceLogger) *HandlerContext {
	return &HandlerContext{ctx: ctx, msg: msg, scope: scope, logger: logger}
}

// Context returns the context for the current dispatch.
func (hc *HandlerContext) Context() context.Context { return hc.ctx }

// SetContext swaps the dispatch context; interceptors use it to attach spans
// or deadlines for downstream hooks and the handler.
func (hc *HandlerContext) SetContext(ctx context.Context) { hc.ctx = ctx }

// Scope returns the dependency scope opened for this dispatch.
func (hc *HandlerContext) Scope() Scope { return hc.scope }

// Logger returns a logger scoped to the dispatch.
func (hc *HandlerContext) Logger() logging.ServiceLogger { return hc.logger }

// Envelope returns the message under dispatch. Treat it as read-only.
func (hc *HandlerContext) Envelope() *transport.Message { return hc.msg }

func (hc *HandlerContext) MessageID() string     { return hc.msg.ID }
func (hc *HandlerContext) CorrelationID() string { return hc.msg.CorrelationID }
func (hc *HandlerContext) ReplyTo() string       { return hc.msg.ReplyTo }

// DeliveryAttempt returns how many times the transport has delivered this
// message, starting at 1.
func (hc *HandlerContext) DeliveryAttempt() int {
	if hc.msg.DeliveryAttempt > 0 {
		return hc.msg.DeliveryAttempt
	}
	if raw := hc.msg.Property(transport.PropDeliveryAttempt); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 1
}

// Property returns a wire property of the envelope.
func (hc *HandlerContext) Property(key string) string { return hc.msg.Property(key) }

// CommandHandler consumes a command of type T. Commands have no reply.
type CommandHandler[T any] func(hc *HandlerContext, cmd T) error

// EventHandler consumes an event of type T, competing or multicast.
type EventHandler[T any] func(hc *HandlerContext, event T) error

// RequestHandler consumes a request of type TReq and produces a TRes reply.
type RequestHandler[TReq any, TRes any] func(hc *HandlerContext, req TReq) (TRes, error)

// CommandHandlerRegistration wires a command handler. Provide either Handler
// or Factory; Factory constructs the handler from the dispatch scope so
// container-managed dependencies resolve per message.
type CommandHandlerRegistration[T any] struct {
	Name    string
	Handler CommandHandler[T]
	Factory func(Scope) (CommandHandler[T], error)
}

// EventHandlerRegistration wires an event handler for either event shape.
type EventHandlerRegistration[T any] struct {
	Name    string
	Handler EventHandler[T]
	Factory func(Scope) (EventHandler[T], error)
}

// RequestHandlerRegistration wires a request handler.
type RequestHandlerRegistration[TReq any, TRes any] struct {
	Name    string
	Handler RequestHandler[TReq, TRes]
	Factory func(Scope) (RequestHandler[TReq, TRes], error)
}

// RegisterCommandHandler attaches a command handler to the bus.
func RegisterCommandHandler[T any](b *Bus, reg CommandHandlerRegistration[T]) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	binding, err := noReplyBinding(ShapeCommand, reg.Name, reg.Handler, reg.Factory, b.codec)
	if err != nil {
		return err
	}
	return b.registry.add(binding)
}

// RegisterCompetingEventHandler attaches an event handler on the shared
// application subscription, so one instance of the application handles each
// event.
func RegisterCompetingEventHandler[T any](b *Bus, reg EventHandlerRegistration[T]) error {
	return registerEventHandler(b, ShapeCompetingEvent, reg)
}

// RegisterMulticastEventHandler attaches an event handler on an
// instance-local subscription, so every instance handles each event.
func RegisterMulticastEventHandler[T any](b *Bus, reg EventHandlerRegistration[T]) error {
	return registerEventHandler(b, ShapeMulticastEvent, reg)
}

func registerEventHandler[T any](b *Bus, shape HandlerShape, reg EventHandlerRegistration[T]) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	var handler CommandHandler[T]
	if reg.Handler != nil {
		handler = CommandHandler[T](reg.Handler)
	}
	var factory func(Scope) (CommandHandler[T], error)
	if reg.Factory != nil {
		factory = func(s Scope) (CommandHandler[T], error) {
			h, err := reg.Factory(s)
			return CommandHandler[T](h), err
		}
	}
	binding, err := noReplyBinding(shape, reg.Name, handler, factory, b.codec)
	if err != nil {
		return err
	}
	return b.registry.add(binding)
}

// RegisterRequestHandler attaches the single handler for a request type.
func RegisterRequestHandler[TReq any, TRes any](b *Bus, reg RequestHandlerRegistration[TReq, TRes]) error {
	return registerRequestHandler(b, ShapeRequest, reg)
}

// RegisterMulticastRequestHandler attaches one of possibly many handlers that
// may reply to a multicast request.
func RegisterMulticastRequestHandler[TReq any, TRes any](b *Bus, reg RequestHandlerRegistration[TReq, TRes]) error {
	return registerRequestHandler(b, ShapeMulticastRequest, reg)
}

func registerRequestHandler[TReq any, TRes any](b *Bus, shape HandlerShape, reg RequestHandlerRegistration[TReq, TRes]) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	binding, err := replyBinding(shape, reg.Name, reg.Handler, reg.Factory, b.codec)
	if err != nil {
		return err
	}
	return b.registry.add(binding)
}

func noReplyBinding[T any](shape HandlerShape, name string, handler CommandHandler[T], factory func(Scope) (CommandHandler[T], error), codec Codec) (*handlerBinding, error) {
	if handler == nil && factory == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	messageType := typeNameFor[T]()
	if name == "" {
		name = shape.String() + ":" + messageType
	}

	return &handlerBinding{
		shape:       shape,
		messageType: messageType,
		name:        name,
		invoke: func(hc *HandlerContext) (any, error) {
			h := handler
			if factory != nil {
				built, err := factory(hc.scope)
				if err != nil {
					return nil, err
				}
				h = built
			}

			var payload T
			if err := codec.Unmarshal(hc.msg.Payload, &payload); err != nil {
				return nil, &errspkg.SerializationError{TypeName: messageType, Err: err}
			}
			return nil, h(hc, payload)
		},
	}, nil
}

func replyBinding[TReq any, TRes any](shape HandlerShape, name string, handler RequestHandler[TReq, TRes], factory func(Scope) (RequestHandler[TReq, TRes], error), codec Codec) (*handlerBinding, error) {
	if handler == nil && factory == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	messageType := typeNameFor[TReq]()
	if name == "" {
		name = shape.String() + ":" + messageType
	}

	return &handlerBinding{
		shape:       shape,
		messageType: messageType,
		name:        name,
		invoke: func(hc *HandlerContext) (any, error) {
			h := handler
			if factory != nil {
				built, err := factory(hc.scope)
				if err != nil {
					return nil, err
				}
				h = built
			}

			var payload TReq
			if err := codec.Unmarshal(hc.msg.Payload, &payload); err != nil {
				return nil, &errspkg.SerializationError{TypeName: messageType, Err: err}
			}
			res, err := h(hc, payload)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
	}, nil
}

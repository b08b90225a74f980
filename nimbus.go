package nimbus

import (
	"context"
	"time"

	runtimepkg "github.com/nimbusmq/nimbus/internal/runtime"
	clockpkg "github.com/nimbusmq/nimbus/internal/runtime/clock"
	configpkg "github.com/nimbusmq/nimbus/internal/runtime/config"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	idspkg "github.com/nimbusmq/nimbus/internal/runtime/ids"
	jsoncodec "github.com/nimbusmq/nimbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/nimbusmq/nimbus/internal/runtime/logging"
	protocodecpkg "github.com/nimbusmq/nimbus/internal/runtime/protocodec"
	transportpkg "github.com/nimbusmq/nimbus/transport"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies

	Clock = clockpkg.Clock
	Codec = runtimepkg.Codec

	Scope              = runtimepkg.Scope
	DependencyResolver = runtimepkg.DependencyResolver
	SingletonResolver  = runtimepkg.SingletonResolver

	HandlerContext = runtimepkg.HandlerContext
	HandlerShape   = runtimepkg.HandlerShape

	CommandHandler[T any]             = runtimepkg.CommandHandler[T]
	EventHandler[T any]               = runtimepkg.EventHandler[T]
	RequestHandler[TReq, TRes any]    = runtimepkg.RequestHandler[TReq, TRes]
	CommandHandlerRegistration[T any] = runtimepkg.CommandHandlerRegistration[T]
	EventHandlerRegistration[T any]   = runtimepkg.EventHandlerRegistration[T]

	RequestHandlerRegistration[TReq, TRes any] = runtimepkg.RequestHandlerRegistration[TReq, TRes]

	InboundInterceptor         = runtimepkg.InboundInterceptor
	OutboundInterceptor        = runtimepkg.OutboundInterceptor
	RequestOutboundInterceptor = runtimepkg.RequestOutboundInterceptor
	InboundInterceptorFactory  = runtimepkg.InboundInterceptorFactory
	OutboundInterceptorFactory = runtimepkg.OutboundInterceptorFactory
	InterceptorBase            = runtimepkg.InterceptorBase

	BusMetrics = runtimepkg.BusMetrics
	PumpStats  = runtimepkg.PumpStats

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Transport-facing types for adapter authors.
	Transport        = transportpkg.Driver
	TransportMessage = transportpkg.Message

	// Error kinds.
	UnknownMessageTypeError = errspkg.UnknownMessageTypeError
	SerializationError      = errspkg.SerializationError
	EntityCreationError     = errspkg.EntityCreationError
	TimeoutError            = errspkg.TimeoutError
	RemoteFaultError        = errspkg.RemoteFaultError
	CompositeDispatchError  = errspkg.CompositeDispatchError
)

// Handler shapes.
const (
	ShapeCommand          = runtimepkg.ShapeCommand
	ShapeCompetingEvent   = runtimepkg.ShapeCompetingEvent
	ShapeMulticastEvent   = runtimepkg.ShapeMulticastEvent
	ShapeRequest          = runtimepkg.ShapeRequest
	ShapeMulticastRequest = runtimepkg.ShapeMulticastRequest
)

// Built-in interceptor priorities.
const (
	PriorityTracing = runtimepkg.PriorityTracing
	PriorityMetrics = runtimepkg.PriorityMetrics
	PriorityLogging = runtimepkg.PriorityLogging
)

// Wire property keys.
const (
	PropMessageType       = transportpkg.PropMessageType
	PropSenderApplication = transportpkg.PropSenderApplication
	PropSenderInstance    = transportpkg.PropSenderInstance
	PropDeliveryAttempt   = transportpkg.PropDeliveryAttempt
	PropFaulted           = transportpkg.PropFaulted
)

var (
	NewBus         = runtimepkg.NewBus
	ValidateConfig = configpkg.ValidateConfig

	NewSingletonResolver = runtimepkg.NewSingletonResolver

	JSONCodec     = runtimepkg.JSONCodec
	NewProtoCodec = protocodecpkg.New

	SystemClock    = clockpkg.System
	NewManualClock = clockpkg.NewManual

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NoopLogger           = loggingpkg.Noop

	LoggingInboundInterceptors  = runtimepkg.LoggingInboundInterceptors
	LoggingOutboundInterceptors = runtimepkg.LoggingOutboundInterceptors
	TracingInboundInterceptors  = runtimepkg.TracingInboundInterceptors
	TracingOutboundInterceptors = runtimepkg.TracingOutboundInterceptors
	NewBusMetrics               = runtimepkg.NewBusMetrics

	NewMessageID = idspkg.NewMessageID

	ErrTimeout   = errspkg.ErrTimeout
	ErrCancelled = errspkg.ErrCancelled

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
)

// RegisterCommandHandler attaches a command handler to the bus.
func RegisterCommandHandler[T any](b *Bus, reg CommandHandlerRegistration[T]) error {
	return runtimepkg.RegisterCommandHandler(b, reg)
}

// RegisterCompetingEventHandler attaches a load-balanced event handler.
func RegisterCompetingEventHandler[T any](b *Bus, reg EventHandlerRegistration[T]) error {
	return runtimepkg.RegisterCompetingEventHandler(b, reg)
}

// RegisterMulticastEventHandler attaches a fan-out event handler.
func RegisterMulticastEventHandler[T any](b *Bus, reg EventHandlerRegistration[T]) error {
	return runtimepkg.RegisterMulticastEventHandler(b, reg)
}

// RegisterRequestHandler attaches the single handler for a request type.
func RegisterRequestHandler[TReq, TRes any](b *Bus, reg RequestHandlerRegistration[TReq, TRes]) error {
	return runtimepkg.RegisterRequestHandler(b, reg)
}

// RegisterMulticastRequestHandler attaches one of possibly many handlers
// replying to a multicast request.
func RegisterMulticastRequestHandler[TReq, TRes any](b *Bus, reg RequestHandlerRegistration[TReq, TRes]) error {
	return runtimepkg.RegisterMulticastRequestHandler(b, reg)
}

// Request sends a request and decodes the correlated reply into TRes.
func Request[TRes any](ctx context.Context, b *Bus, request any, timeout time.Duration) (TRes, error) {
	return runtimepkg.Request[TRes](ctx, b, request, timeout)
}

// MulticastRequest publishes a request and decodes every reply collected
// before the window closes.
func MulticastRequest[TRes any](ctx context.Context, b *Bus, request any, window time.Duration) ([]TRes, error) {
	return runtimepkg.MulticastRequest[TRes](ctx, b, request, window)
}

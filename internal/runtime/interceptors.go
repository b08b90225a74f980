package runtime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// Default priorities for the built-in interceptors. Higher runs earlier.
const (
	PriorityTracing = 300
	PriorityMetrics = 200
	PriorityLogging = 100
)

// LoggingInboundInterceptors logs every dispatch at debug level and every
// handler failure at error level.
func LoggingInboundInterceptors(logger logging.ServiceLogger) InboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []InboundInterceptor {
		return []InboundInterceptor{&logInbound{
			InterceptorBase: InterceptorBase{InterceptorName: "logging", InterceptorPriority: PriorityLogging},
			logger:          logger,
		}}
	}
}

type logInbound struct {
	InterceptorBase
	logger logging.ServiceLogger
	start  time.Time
}

func (i *logInbound) OnHandling(hc *HandlerContext) error {
	i.start = time.Now()
	i.logger.Debug("handling message", logging.LogFields{
		"message_id":       hc.MessageID(),
		"message_type":     hc.Property(transport.PropMessageType),
		"delivery_attempt": hc.DeliveryAttempt(),
	})
	return nil
}

func (i *logInbound) OnHandled(hc *HandlerContext) {
	i.logger.Debug("message handled", logging.LogFields{
		"message_id":  hc.MessageID(),
		"duration_ms": time.Since(i.start).Milliseconds(),
	})
}

func (i *logInbound) OnError(hc *HandlerContext, err error) {
	i.logger.Error("message handling failed", err, logging.LogFields{
		"message_id":  hc.MessageID(),
		"duration_ms": time.Since(i.start).Milliseconds(),
	})
}

// LoggingOutboundInterceptors logs sends the same way.
func LoggingOutboundInterceptors(logger logging.ServiceLogger) OutboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []OutboundInterceptor {
		return []OutboundInterceptor{&logOutbound{
			InterceptorBase: InterceptorBase{InterceptorName: "logging", InterceptorPriority: PriorityLogging},
			logger:          logger,
		}}
	}
}

type logOutbound struct {
	InterceptorBase
	logger logging.ServiceLogger
}

func (i *logOutbound) OnSending(ctx context.Context, msg *transport.Message) error {
	i.logger.Debug("sending message", logging.LogFields{
		"message_id":   msg.ID,
		"message_type": msg.Property(transport.PropMessageType),
	})
	return nil
}

func (i *logOutbound) OnSent(ctx context.Context, msg *transport.Message) {
	i.logger.Debug("message sent", logging.LogFields{"message_id": msg.ID})
}

func (i *logOutbound) OnError(ctx context.Context, msg *transport.Message, err error) {
	i.logger.Error("message send failed", err, logging.LogFields{"message_id": msg.ID})
}

// BusMetrics holds the Prometheus instruments for one bus. Register it once
// and attach its factories to the bus.
type BusMetrics struct {
	sent           *prometheus.CounterVec
	handled        *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
}

// NewBusMetrics registers the bus instruments with reg.
func NewBusMetrics(reg prometheus.Registerer, application string) *BusMetrics {
	labels := prometheus.Labels{"application": application}
	factory := promauto.With(reg)

	return &BusMetrics{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nimbus",
			Name:        "messages_sent_total",
			Help:        "Messages sent through the outbound pipeline.",
			ConstLabels: labels,
		}, []string{"message_type", "result"}),
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nimbus",
			Name:        "messages_handled_total",
			Help:        "Messages dispatched to handlers.",
			ConstLabels: labels,
		}, []string{"message_type", "result"}),
		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "nimbus",
			Name:        "handle_duration_seconds",
			Help:        "Handler execution time per dispatch.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"message_type"}),
	}
}

// InboundFactory returns the inbound metrics interceptor factory.
func (m *BusMetrics) InboundFactory() InboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []InboundInterceptor {
		return []InboundInterceptor{&metricsInbound{
			InterceptorBase: InterceptorBase{InterceptorName: "metrics", InterceptorPriority: PriorityMetrics},
			metrics:         m,
		}}
	}
}

type metricsInbound struct {
	InterceptorBase
	metrics *BusMetrics
	start   time.Time
}

func (i *metricsInbound) OnHandling(hc *HandlerContext) error {
	i.start = time.Now()
	return nil
}

func (i *metricsInbound) OnHandled(hc *HandlerContext) {
	messageType := hc.Property(transport.PropMessageType)
	i.metrics.handled.WithLabelValues(messageType, "ok").Inc()
	i.metrics.handleDuration.WithLabelValues(messageType).Observe(time.Since(i.start).Seconds())
}

func (i *metricsInbound) OnError(hc *HandlerContext, err error) {
	messageType := hc.Property(transport.PropMessageType)
	i.metrics.handled.WithLabelValues(messageType, "error").Inc()
	i.metrics.handleDuration.WithLabelValues(messageType).Observe(time.Since(i.start).Seconds())
}

// OutboundFactory returns the outbound metrics interceptor factory.
func (m *BusMetrics) OutboundFactory() OutboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []OutboundInterceptor {
		return []OutboundInterceptor{&metricsOutbound{
			InterceptorBase: InterceptorBase{InterceptorName: "metrics", InterceptorPriority: PriorityMetrics},
			metrics:         m,
		}}
	}
}

type metricsOutbound struct {
	InterceptorBase
	metrics *BusMetrics
}

func (i *metricsOutbound) OnSending(ctx context.Context, msg *transport.Message) error { return nil }

func (i *metricsOutbound) OnSent(ctx context.Context, msg *transport.Message) {
	i.metrics.sent.WithLabelValues(msg.Property(transport.PropMessageType), "ok").Inc()
}

func (i *metricsOutbound) OnError(ctx context.Context, msg *transport.Message, err error) {
	i.metrics.sent.WithLabelValues(msg.Property(transport.PropMessageType), "error").Inc()
}

const tracerName = "github.com/nimbusmq/nimbus"

// TracingInboundInterceptors wraps each dispatch in an OpenTelemetry span.
func TracingInboundInterceptors() InboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []InboundInterceptor {
		return []InboundInterceptor{&traceInbound{
			InterceptorBase: InterceptorBase{InterceptorName: "tracing", InterceptorPriority: PriorityTracing},
		}}
	}
}

type traceInbound struct {
	InterceptorBase
	span oteltrace.Span
}

func (i *traceInbound) OnHandling(hc *HandlerContext) error {
	ctx, span := otel.Tracer(tracerName).Start(hc.Context(), "nimbus.dispatch")
	span.SetAttributes(
		attribute.String("messaging.message.id", hc.MessageID()),
		attribute.String("messaging.message.type", hc.Property(transport.PropMessageType)),
		attribute.Int("messaging.delivery_attempt", hc.DeliveryAttempt()),
	)
	i.span = span
	hc.SetContext(ctx)
	return nil
}

func (i *traceInbound) OnHandled(hc *HandlerContext) {
	i.span.End()
}

func (i *traceInbound) OnError(hc *HandlerContext, err error) {
	i.span.RecordError(err)
	i.span.SetStatus(codes.Error, err.Error())
	i.span.End()
}

// TracingOutboundInterceptors wraps each send in an OpenTelemetry span.
func TracingOutboundInterceptors() OutboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []OutboundInterceptor {
		return []OutboundInterceptor{&traceOutbound{
			InterceptorBase: InterceptorBase{InterceptorName: "tracing", InterceptorPriority: PriorityTracing},
		}}
	}
}

type traceOutbound struct {
	InterceptorBase
	span oteltrace.Span
}

func (i *traceOutbound) OnSending(ctx context.Context, msg *transport.Message) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "nimbus.send")
	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.String("messaging.message.type", msg.Property(transport.PropMessageType)),
	)
	i.span = span
	return nil
}

func (i *traceOutbound) OnSent(ctx context.Context, msg *transport.Message) {
	i.span.End()
}

func (i *traceOutbound) OnError(ctx context.Context, msg *transport.Message, err error) {
	i.span.RecordError(err)
	i.span.SetStatus(codes.Error, err.Error())
	i.span.End()
}

package runtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	configpkg "github.com/nimbusmq/nimbus/internal/runtime/config"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/internal/runtime/ids"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// BusDependencies holds the optional collaborators a Bus can use. Leave
// fields nil to get the defaults.
type BusDependencies struct {
	// Resolver opens a child dependency scope per dispatch and per send.
	// Defaults to a SingletonResolver with no registrations.
	Resolver DependencyResolver

	// Driver is an already-connected transport. When nil the transport
	// registry builds one from the config's Transport name.
	Driver transport.Driver

	// Codec serializes payloads. Defaults to JSONCodec.
	Codec Codec

	// Clock is the runtime's time source. Defaults to the system clock.
	Clock clock.Clock

	InboundInterceptors  []InboundInterceptorFactory
	OutboundInterceptors []OutboundInterceptorFactory
}

// Bus is the user-facing broker facade: Send, Publish, Request, and
// MulticastRequest on the way out; registered handlers on the way in.
type Bus struct {
	cfg    *configpkg.Config
	logger logging.ServiceLogger
	clock  clock.Clock

	driver     transport.Driver
	ownsDriver bool

	codec      Codec
	factory    *MessageFactory
	router     Router
	registry   *HandlerRegistry
	correlator *Correlator
	entities   *EntityManager
	resolver   DependencyResolver

	inboundFactories  []InboundInterceptorFactory
	outboundFactories []OutboundInterceptorFactory

	queueSenders sync.Map // path -> transport.Sender
	topicSenders sync.Map

	replyQueuePath string

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	pumpsMu sync.Mutex
	pumps   []*pump
	stats   []*PumpStats
}

// NewBus constructs a Bus for the supplied configuration. Register handlers
// on the returned Bus before calling Start.
func NewBus(ctx context.Context, cfg *configpkg.Config, logger logging.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if cfg == nil {
		return nil, errspkg.ErrBusRequired
	}
	cfg.ApplyDefaults()
	if cfg.InstanceName == "" {
		cfg.InstanceName = ids.NewInstanceName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Noop()
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	codec := deps.Codec
	if codec == nil {
		codec = JSONCodec()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewSingletonResolver()
	}

	driver := deps.Driver
	ownsDriver := false
	if driver == nil {
		built, err := transport.Build(ctx, cfg, slog.Default())
		if err != nil {
			return nil, err
		}
		driver = built
		ownsDriver = true
	}

	logger.Info("creating bus", logging.LogFields{
		"application": cfg.ApplicationName,
		"instance":    cfg.InstanceName,
		"transport":   cfg.Transport,
	})

	queueDesc := transport.QueueDescriptor{
		MaxDeliveryAttempts:    cfg.MaxDeliveryAttempts,
		MessageTimeToLive:      cfg.DefaultMessageTimeToLive,
		LockDuration:           cfg.DefaultMessageLockDuration,
		AutoDeleteOnIdle:       cfg.AutoDeleteOnIdle,
		DeadLetterOnExpiration: cfg.EnableDeadLetteringOnMessageExpiration,
	}
	subDesc := transport.SubscriptionDescriptor{
		MaxDeliveryAttempts:    cfg.MaxDeliveryAttempts,
		MessageTimeToLive:      cfg.DefaultMessageTimeToLive,
		LockDuration:           cfg.DefaultMessageLockDuration,
		AutoDeleteOnIdle:       cfg.AutoDeleteOnIdle,
		DeadLetterOnExpiration: cfg.EnableDeadLetteringOnMessageExpiration,
	}

	b := &Bus{
		cfg:               cfg,
		logger:            logger,
		clock:             clk,
		driver:            driver,
		ownsDriver:        ownsDriver,
		codec:             codec,
		factory:           NewMessageFactory(clk, codec, cfg.ApplicationName, cfg.InstanceName),
		router:            NewRouter(cfg.PathPrefix),
		registry:          NewHandlerRegistry(),
		correlator:        NewCorrelator(clk, logger),
		entities:          NewEntityManager(driver.Namespace(), clk, logger, queueDesc, subDesc, cfg.DefaultTimeout),
		resolver:          resolver,
		replyQueuePath:    replyQueuePath(cfg),
	}

	b.inboundFactories = append(b.inboundFactories, LoggingInboundInterceptors(logger))
	b.outboundFactories = append(b.outboundFactories, LoggingOutboundInterceptors(logger))
	if cfg.MetricsEnabled {
		metrics := NewBusMetrics(prometheus.DefaultRegisterer, cfg.ApplicationName)
		b.inboundFactories = append(b.inboundFactories, metrics.InboundFactory())
		b.outboundFactories = append(b.outboundFactories, metrics.OutboundFactory())
	}
	b.inboundFactories = append(b.inboundFactories, deps.InboundInterceptors...)
	b.outboundFactories = append(b.outboundFactories, deps.OutboundInterceptors...)

	return b, nil
}

func replyQueuePath(cfg *configpkg.Config) string {
	raw := cfg.PathPrefix + ".replies." + cfg.ApplicationName + "." + cfg.InstanceName
	return strings.ToLower(raw)
}

// Registry exposes the handler registry for the generic registration
// functions and the facade.
func (b *Bus) Registry() *HandlerRegistry { return b.registry }

// ReplyQueuePath returns this instance's private reply queue.
func (b *Bus) ReplyQueuePath() string { return b.replyQueuePath }

// RegisterMessageTypes marks payload types as sendable. Types with handlers
// are registered implicitly.
func (b *Bus) RegisterMessageTypes(samples ...any) {
	for _, sample := range samples {
		if sample == nil {
			continue
		}
		b.registry.RegisterMessageType(typeNameOf(sample))
	}
}

// AddInboundInterceptors appends an inbound interceptor factory. Call before
// Start.
func (b *Bus) AddInboundInterceptors(f InboundInterceptorFactory) {
	b.inboundFactories = append(b.inboundFactories, f)
}

// AddOutboundInterceptors appends an outbound interceptor factory. Call
// before Start.
func (b *Bus) AddOutboundInterceptors(f OutboundInterceptorFactory) {
	b.outboundFactories = append(b.outboundFactories, f)
}

// Send dispatches a command to its queue. Fire and forget: no response is
// awaited.
func (b *Bus) Send(ctx context.Context, command any) error {
	if err := b.preflight(command); err != nil {
		return err
	}

	path := b.router.Route(typeNameOf(command), PathKindQueue)
	if err := b.entities.EnsureQueue(ctx, path); err != nil {
		return err
	}

	msg, err := b.factory.New(command, b.cfg.DefaultMessageTimeToLive)
	if err != nil {
		return err
	}
	return b.sendThroughPipeline(ctx, path, PathKindQueue, msg, false)
}

// Publish dispatches an event to its topic.
func (b *Bus) Publish(ctx context.Context, event any) error {
	if err := b.preflight(event); err != nil {
		return err
	}

	path := b.router.Route(typeNameOf(event), PathKindTopic)
	if err := b.entities.EnsureTopic(ctx, path); err != nil {
		return err
	}

	msg, err := b.factory.New(event, b.cfg.DefaultMessageTimeToLive)
	if err != nil {
		return err
	}
	return b.sendThroughPipeline(ctx, path, PathKindTopic, msg, false)
}

// Request sends a request to its queue and waits for the correlated reply.
// A non-positive timeout falls back to the configured default.
func (b *Bus) Request(ctx context.Context, request any, timeout time.Duration) (*transport.Message, error) {
	if !b.started.Load() {
		return nil, errspkg.ErrBusNotStarted
	}
	if err := b.preflight(request); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.cfg.DefaultResponseTimeout
	}

	path := b.router.Route(typeNameOf(request), PathKindQueue)
	if err := b.entities.EnsureQueue(ctx, path); err != nil {
		return nil, err
	}

	msg, err := b.factory.NewRequest(request, timeout, b.replyQueuePath)
	if err != nil {
		return nil, err
	}

	handle := b.correlator.RecordRequest(msg.ID, b.clock.Now().Add(timeout))
	if err := b.sendThroughPipeline(ctx, path, PathKindQueue, msg, true); err != nil {
		b.correlator.Cancel(msg.ID)
		return nil, err
	}
	return handle.WaitForResponse(ctx)
}

// MulticastRequest publishes a request to its topic and collects every reply
// that arrives before the window closes.
func (b *Bus) MulticastRequest(ctx context.Context, request any, window time.Duration) ([]*transport.Message, error) {
	if !b.started.Load() {
		return nil, errspkg.ErrBusNotStarted
	}
	if err := b.preflight(request); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = b.cfg.DefaultResponseTimeout
	}

	path := b.router.Route(typeNameOf(request), PathKindTopic)
	if err := b.entities.EnsureTopic(ctx, path); err != nil {
		return nil, err
	}

	msg, err := b.factory.NewRequest(request, window, b.replyQueuePath)
	if err != nil {
		return nil, err
	}

	handle := b.correlator.RecordMulticastRequest(msg.ID, b.clock.Now().Add(window))
	if err := b.sendThroughPipeline(ctx, path, PathKindTopic, msg, true); err != nil {
		b.correlator.Cancel(msg.ID)
		return nil, err
	}
	return handle.WaitForResponses(ctx)
}

func (b *Bus) preflight(payload any) error {
	if b.stopped.Load() {
		return errspkg.ErrBusClosed
	}
	if payload == nil {
		return errspkg.ErrPayloadRequired
	}
	return b.registry.Verify(typeNameOf(payload))
}

// sendThroughPipeline runs the outbound interceptor chain around the actual
// transport send. Replies from request dispatchers reuse this path, so every
// envelope leaving the bus crosses the same pipeline.
func (b *Bus) sendThroughPipeline(ctx context.Context, path string, kind PathKind, msg *transport.Message, isRequest bool) error {
	scope, err := b.resolver.CreateChildScope()
	if err != nil {
		return err
	}
	defer scope.Close()

	interceptors := combineOutboundFactories(b.outboundFactories)(scope, msg)

	return runOutbound(interceptors, ctx, msg, isRequest, func() error {
		sender, err := b.senderFor(path, kind)
		if err != nil {
			return err
		}
		return sender.Send(ctx, msg)
	})
}

func (b *Bus) senderFor(path string, kind PathKind) (transport.Sender, error) {
	cache := &b.queueSenders
	if kind == PathKindTopic {
		cache = &b.topicSenders
	}

	if cached, ok := cache.Load(path); ok {
		return cached.(transport.Sender), nil
	}

	var sender transport.Sender
	var err error
	if kind == PathKindTopic {
		sender, err = b.driver.TopicSender(path)
	} else {
		sender, err = b.driver.QueueSender(path)
	}
	if err != nil {
		return nil, err
	}

	actual, _ := cache.LoadOrStore(path, sender)
	return actual.(transport.Sender), nil
}

// sendReply is the dispatcher's path back to a requester's reply queue.
func (b *Bus) sendReply(ctx context.Context, path string, msg *transport.Message) error {
	if err := b.entities.EnsureQueue(ctx, path); err != nil {
		return err
	}
	return b.sendThroughPipeline(ctx, path, PathKindQueue, msg, false)
}

// Start provisions entities, launches the message pumps and the correlator
// reaper, and returns. Use Stop for a graceful shutdown.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errspkg.ErrBusAlreadyStarted
	}

	b.registry.freeze()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	b.group = group

	if err := b.entities.EnsureQueue(ctx, b.cfg.DeadLetterQueue); err != nil {
		cancel()
		return err
	}

	if err := b.startReplyPump(ctx, groupCtx); err != nil {
		cancel()
		return err
	}

	for _, c := range b.registry.consumptions() {
		if err := b.startConsumptionPump(ctx, groupCtx, c); err != nil {
			cancel()
			return err
		}
	}

	b.correlator.Start()
	b.logger.Info("bus started", logging.LogFields{
		"application": b.cfg.ApplicationName,
		"instance":    b.cfg.InstanceName,
		"pumps":       len(b.pumps),
	})
	return nil
}

func (b *Bus) startReplyPump(ctx, runCtx context.Context) error {
	if err := b.entities.EnsureQueue(ctx, b.replyQueuePath); err != nil {
		return err
	}
	receiver, err := b.driver.QueueReceiver(b.replyQueuePath)
	if err != nil {
		return err
	}
	b.launchPump("replies", b.replyQueuePath, receiver, &replyDispatcher{correlator: b.correlator}, runCtx)
	return nil
}

func (b *Bus) startConsumptionPump(ctx, runCtx context.Context, c consumption) error {
	var (
		receiver transport.Receiver
		path     string
		err      error
	)

	if c.shape.consumesQueue() {
		path = b.router.Route(c.messageType, PathKindQueue)
		if err = b.entities.EnsureQueue(ctx, path); err != nil {
			return err
		}
		receiver, err = b.driver.QueueReceiver(path)
	} else {
		topic := b.router.Route(c.messageType, PathKindTopic)
		name := b.subscriptionName(c.shape)
		if err = b.entities.EnsureSubscription(ctx, topic, name); err != nil {
			return err
		}
		path = transport.Subscription{Topic: topic, Name: name}.Key()
		receiver, err = b.driver.SubscriptionReceiver(topic, name)
	}
	if err != nil {
		return err
	}

	dispatcher := newDispatcher(c.shape, dispatcherDeps{
		registry:            b.registry,
		resolver:            b.resolver,
		inbound:             combineInboundFactories(b.inboundFactories),
		factory:             b.factory,
		logger:              b.logger,
		sendReply:           b.sendReply,
		replyTTL:            b.cfg.DefaultMessageTimeToLive,
		maxDeliveryAttempts: b.cfg.MaxDeliveryAttempts,
	})

	b.launchPump(c.shape.String()+":"+c.messageType, path, receiver, dispatcher, runCtx)
	return nil
}

// subscriptionName picks the subscription identity for an event shape.
// Competing consumers share the application-wide name; multicast shapes get
// an instance-local one so every instance sees every message.
func (b *Bus) subscriptionName(shape HandlerShape) string {
	name := strings.ToLower(b.cfg.ApplicationName)
	if shape == ShapeMulticastEvent || shape == ShapeMulticastRequest {
		name = name + "." + strings.ToLower(b.cfg.InstanceName)
	}
	return name
}

func (b *Bus) launchPump(name, path string, receiver transport.Receiver, dispatcher Dispatcher, runCtx context.Context) {
	stats := newPumpStats(name, path)

	p := &pump{
		name:                   name,
		path:                   path,
		receiver:               receiver,
		dispatcher:             dispatcher,
		clock:                  b.clock,
		logger:                 b.logger.With(logging.LogFields{"pump": name}),
		stats:                  stats,
		maxDeliveryAttempts:    b.cfg.MaxDeliveryAttempts,
		deadLetterOnExpiration: b.cfg.EnableDeadLetteringOnMessageExpiration,
		deadLetter: func(ctx context.Context, msg *transport.Message, reason string) error {
			return b.deadLetter(ctx, path, msg, reason)
		},
	}

	b.pumpsMu.Lock()
	b.pumps = append(b.pumps, p)
	b.stats = append(b.stats, stats)
	b.pumpsMu.Unlock()

	b.group.Go(func() error { return p.run(runCtx) })
}

// deadLetter forwards a message to the dead-letter office, stamping where it
// came from and why.
func (b *Bus) deadLetter(ctx context.Context, sourcePath string, msg *transport.Message, reason string) error {
	forwarded := msg.Clone()
	forwarded.SetProperty(transport.PropDeadLetterSource, sourcePath)
	forwarded.SetProperty(transport.PropDeadLetterReason, reason)

	sender, err := b.senderFor(b.cfg.DeadLetterQueue, PathKindQueue)
	if err != nil {
		return err
	}
	return sender.Send(ctx, forwarded)
}

// HandlerStats returns a snapshot of every pump's counters.
func (b *Bus) HandlerStats() []PumpStats {
	b.pumpsMu.Lock()
	defer b.pumpsMu.Unlock()

	out := make([]PumpStats, 0, len(b.stats))
	for _, s := range b.stats {
		out = append(out, s.Snapshot())
	}
	return out
}

// Stop drains the pumps, stops the correlator, and closes the driver if the
// bus created it. Outstanding requests complete with a cancellation error.
func (b *Bus) Stop() error {
	if !b.started.Load() {
		return errspkg.ErrBusNotStarted
	}
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	b.cancel()

	b.pumpsMu.Lock()
	pumps := append([]*pump(nil), b.pumps...)
	b.pumpsMu.Unlock()
	for _, p := range pumps {
		if err := p.receiver.Close(); err != nil {
			b.logger.Error("failed to close receiver", err, logging.LogFields{"pump": p.name})
		}
	}

	err := b.group.Wait()
	b.correlator.Stop()

	if b.ownsDriver {
		if closeErr := b.driver.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	b.logger.Info("bus stopped", nil)
	return err
}

// Run starts the bus and blocks until ctx is cancelled, then stops it.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return b.Stop()
}

// Package inmem is a complete in-process broker: queues with competing
// consumers, topics fanning out to named subscriptions, delivery counting,
// and redelivery on nack. It backs tests and single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusmq/nimbus/transport"
)

// TransportName registers the adapter as "inmem".
const TransportName = "inmem"

func init() {
	transport.Register(TransportName, func(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Driver, error) {
		return New(Config{}), nil
	})
}

// Config controls broker behavior.
type Config struct {
	// BufferSize is the per-queue capacity (default 1024).
	BufferSize int

	// RedeliveryDelay postpones re-enqueuing after a nack (default immediate).
	RedeliveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	return c
}

// Driver is an in-memory broker instance. It doubles as its own namespace
// manager.
type Driver struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*queue
	topics map[string]*topic

	// faults holds injected create failures, keyed by entity key; each
	// create pops one. Tests use this to exercise conflict and retry paths.
	faultsMu sync.Mutex
	faults   map[string][]error

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New returns an empty broker.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:    cfg.withDefaults(),
		queues: make(map[string]*queue),
		topics: make(map[string]*topic),
		faults: make(map[string][]error),
		done:   make(chan struct{}),
	}
}

type queue struct {
	name string
	ch   chan *transport.Message
}

type topic struct {
	name string
	mu   sync.RWMutex
	subs map[string]*queue
}

// InjectCreateFault queues an error for the next create call targeting the
// entity. kind is "queue", "topic", or "subscription"; subscriptions key as
// "topic/name".
func (d *Driver) InjectCreateFault(kind, key string, err error) {
	d.faultsMu.Lock()
	defer d.faultsMu.Unlock()
	fullKey := kind + ":" + key
	d.faults[fullKey] = append(d.faults[fullKey], err)
}

func (d *Driver) popFault(kind, key string) error {
	d.faultsMu.Lock()
	defer d.faultsMu.Unlock()

	fullKey := kind + ":" + key
	pending := d.faults[fullKey]
	if len(pending) == 0 {
		return nil
	}
	d.faults[fullKey] = pending[1:]
	return pending[0]
}

// Namespace implements transport.Driver.
func (d *Driver) Namespace() transport.NamespaceManager { return d }

func (d *Driver) CreateQueue(ctx context.Context, path string, _ transport.QueueDescriptor) error {
	if err := d.popFault("queue", path); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.queues[path]; ok {
		return transport.ErrEntityExists
	}
	d.queues[path] = d.newQueue(path)
	return nil
}

func (d *Driver) CreateTopic(ctx context.Context, path string) error {
	if err := d.popFault("topic", path); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.topics[path]; ok {
		return transport.ErrEntityExists
	}
	d.topics[path] = &topic{name: path, subs: make(map[string]*queue)}
	return nil
}

func (d *Driver) CreateSubscription(ctx context.Context, topicPath, name string, _ transport.SubscriptionDescriptor) error {
	key := transport.Subscription{Topic: topicPath, Name: name}.Key()
	if err := d.popFault("subscription", key); err != nil {
		return err
	}

	d.mu.RLock()
	t, ok := d.topics[topicPath]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem: topic %q does not exist", topicPath)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[name]; ok {
		return transport.ErrEntityExists
	}
	t.subs[name] = d.newQueue(key)
	return nil
}

func (d *Driver) newQueue(name string) *queue {
	return &queue{name: name, ch: make(chan *transport.Message, d.cfg.BufferSize)}
}

func (d *Driver) QueueExists(ctx context.Context, path string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.queues[path]
	return ok, nil
}

func (d *Driver) TopicExists(ctx context.Context, path string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.topics[path]
	return ok, nil
}

func (d *Driver) SubscriptionExists(ctx context.Context, topicPath, name string) (bool, error) {
	d.mu.RLock()
	t, ok := d.topics[topicPath]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok = t.subs[name]
	return ok, nil
}

func (d *Driver) ListQueues(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.queues))
	for path := range d.queues {
		out = append(out, path)
	}
	return out, nil
}

func (d *Driver) ListTopics(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.topics))
	for path := range d.topics {
		out = append(out, path)
	}
	return out, nil
}

func (d *Driver) ListSubscriptions(ctx context.Context) ([]transport.Subscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []transport.Subscription
	for topicPath, t := range d.topics {
		t.mu.RLock()
		for name := range t.subs {
			out = append(out, transport.Subscription{Topic: topicPath, Name: name})
		}
		t.mu.RUnlock()
	}
	return out, nil
}

func (d *Driver) lookupQueue(path string) (*queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	q, ok := d.queues[path]
	if !ok {
		return nil, fmt.Errorf("inmem: queue %q does not exist", path)
	}
	return q, nil
}

// QueueSender implements transport.Driver.
func (d *Driver) QueueSender(path string) (transport.Sender, error) {
	q, err := d.lookupQueue(path)
	if err != nil {
		return nil, err
	}
	return &queueSender{driver: d, q: q}, nil
}

// QueueReceiver implements transport.Driver. Multiple receivers on the same
// queue compete for its messages.
func (d *Driver) QueueReceiver(path string) (transport.Receiver, error) {
	q, err := d.lookupQueue(path)
	if err != nil {
		return nil, err
	}
	return newReceiver(d, q), nil
}

// TopicSender implements transport.Driver. Sends fan out to a copy per
// subscription; a topic with no subscriptions drops the message.
func (d *Driver) TopicSender(path string) (transport.Sender, error) {
	d.mu.RLock()
	t, ok := d.topics[path]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: topic %q does not exist", path)
	}
	return &topicSender{driver: d, t: t}, nil
}

// SubscriptionReceiver implements transport.Driver. Receivers on the same
// subscription compete; distinct subscriptions each see every message.
func (d *Driver) SubscriptionReceiver(topicPath, name string) (transport.Receiver, error) {
	d.mu.RLock()
	t, ok := d.topics[topicPath]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: topic %q does not exist", topicPath)
	}

	t.mu.RLock()
	q, ok := t.subs[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: subscription %q does not exist on topic %q", name, topicPath)
	}
	return newReceiver(d, q), nil
}

// Close shuts the broker down. In-flight deliveries are abandoned and
// blocked receivers return ErrClosed.
func (d *Driver) Close() error {
	d.closed.Store(true)
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}

func (d *Driver) enqueue(ctx context.Context, q *queue, msg *transport.Message) error {
	if d.closed.Load() {
		return transport.ErrClosed
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queueSender struct {
	driver *Driver
	q      *queue
}

func (s *queueSender) Send(ctx context.Context, msg *transport.Message) error {
	return s.driver.enqueue(ctx, s.q, msg.Clone())
}

type topicSender struct {
	driver *Driver
	t      *topic
}

func (s *topicSender) Send(ctx context.Context, msg *transport.Message) error {
	if s.driver.closed.Load() {
		return transport.ErrClosed
	}

	s.t.mu.RLock()
	subs := make([]*queue, 0, len(s.t.subs))
	for _, q := range s.t.subs {
		subs = append(subs, q)
	}
	s.t.mu.RUnlock()

	for _, q := range subs {
		if err := s.driver.enqueue(ctx, q, msg.Clone()); err != nil {
			return err
		}
	}
	return nil
}

type receiver struct {
	driver    *Driver
	q         *queue
	closeOnce sync.Once
	closed    chan struct{}
}

func newReceiver(d *Driver, q *queue) *receiver {
	return &receiver{driver: d, q: q, closed: make(chan struct{})}
}

func (r *receiver) Receive(ctx context.Context) (transport.Delivery, error) {
	if r.driver.closed.Load() {
		return nil, transport.ErrClosed
	}

	select {
	case msg := <-r.q.ch:
		msg.SetDeliveryAttempt(msg.DeliveryAttempt + 1)
		return &delivery{r: r, msg: msg}, nil
	case <-r.closed:
		return nil, transport.ErrClosed
	case <-r.driver.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *receiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type delivery struct {
	r       *receiver
	msg     *transport.Message
	settled sync.Once
}

func (d *delivery) Message() *transport.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	d.settled.Do(func() {})
	return nil
}

// Nack re-enqueues the message so another receive sees the next delivery
// attempt, optionally after the configured redelivery delay.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.settled.Do(func() {
		delay := d.r.driver.cfg.RedeliveryDelay
		if delay <= 0 {
			err = d.r.driver.enqueue(ctx, d.r.q, d.msg)
			return
		}
		go func() {
			time.Sleep(delay)
			_ = d.r.driver.enqueue(context.Background(), d.r.q, d.msg)
		}()
	})
	return err
}

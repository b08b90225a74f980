// Package redisstream backs the bus with Redis Streams. Queues are streams
// consumed through a shared "workers" group; topics are streams whose
// subscriptions are independent consumer groups, so each subscription sees
// every message while consumers inside one group compete.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusmq/nimbus/transport"
)

// TransportName registers the adapter as "redisstream".
const TransportName = "redisstream"

// queueGroup is the consumer group shared by all queue consumers.
const queueGroup = "workers"

// Registry keys for entity bookkeeping.
const (
	queuesKey        = "nimbus:queues"
	topicsKey        = "nimbus:topics"
	subscriptionsKey = "nimbus:subscriptions"
)

// Stream entry field names.
const (
	fieldID          = "id"
	fieldCorrelation = "correlation_id"
	fieldReplyTo     = "reply_to"
	fieldPayload     = "payload"
	fieldEnqueuedAt  = "enqueued_at"
	fieldExpiresMs   = "expires_ms"
	fieldAttempt     = "attempt"
	fieldPropPrefix  = "p:"
)

// readBlock bounds each XREADGROUP call so receivers notice closure.
const readBlock = time.Second

func init() {
	transport.Register(TransportName, func(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Driver, error) {
		return New(ctx, Config{
			URL:      cfg.GetRedisURL(),
			Consumer: cfg.GetApplicationName() + "." + cfg.GetInstanceName(),
		}, logger)
	})
}

// Config controls the adapter.
type Config struct {
	// URL is a redis connection URL, e.g. "redis://localhost:6379/0".
	URL string

	// Consumer names this process inside consumer groups.
	Consumer string

	// MaxLenApprox bounds streams via approximate trimming. Zero disables.
	MaxLenApprox int64
}

// Driver is a connected Redis Streams transport.
type Driver struct {
	cfg    Config
	client redis.UniversalClient
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisstream: invalid URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, transport.Transient("connect", err)
	}

	return &Driver{
		cfg:    cfg,
		client: client,
		logger: logger,
		closed: make(chan struct{}),
	}, nil
}

// NewWithClient wraps an existing client; used by tests running against
// miniredis.
func NewWithClient(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, client: client, logger: logger, closed: make(chan struct{})}
}

// Namespace implements transport.Driver.
func (d *Driver) Namespace() transport.NamespaceManager { return d }

func (d *Driver) CreateQueue(ctx context.Context, path string, _ transport.QueueDescriptor) error {
	added, err := d.client.SAdd(ctx, queuesKey, path).Result()
	if err != nil {
		return transport.Transient("create queue", err)
	}
	if err := d.ensureGroup(ctx, path, queueGroup); err != nil {
		return err
	}
	if added == 0 {
		return transport.ErrEntityExists
	}
	return nil
}

func (d *Driver) CreateTopic(ctx context.Context, path string) error {
	added, err := d.client.SAdd(ctx, topicsKey, path).Result()
	if err != nil {
		return transport.Transient("create topic", err)
	}
	if added == 0 {
		return transport.ErrEntityExists
	}
	return nil
}

func (d *Driver) CreateSubscription(ctx context.Context, topic, name string, _ transport.SubscriptionDescriptor) error {
	key := transport.Subscription{Topic: topic, Name: name}.Key()
	added, err := d.client.SAdd(ctx, subscriptionsKey, key).Result()
	if err != nil {
		return transport.Transient("create subscription", err)
	}
	if err := d.ensureGroup(ctx, topic, name); err != nil {
		return err
	}
	if added == 0 {
		return transport.ErrEntityExists
	}
	return nil
}

// ensureGroup creates the consumer group, tolerating a concurrent creator.
func (d *Driver) ensureGroup(ctx context.Context, stream, group string) error {
	err := d.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return transport.Transient("create group", err)
}

func (d *Driver) QueueExists(ctx context.Context, path string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, queuesKey, path).Result()
	if err != nil {
		return false, transport.Transient("queue exists", err)
	}
	return ok, nil
}

func (d *Driver) TopicExists(ctx context.Context, path string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, topicsKey, path).Result()
	if err != nil {
		return false, transport.Transient("topic exists", err)
	}
	return ok, nil
}

func (d *Driver) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	key := transport.Subscription{Topic: topic, Name: name}.Key()
	ok, err := d.client.SIsMember(ctx, subscriptionsKey, key).Result()
	if err != nil {
		return false, transport.Transient("subscription exists", err)
	}
	return ok, nil
}

func (d *Driver) ListQueues(ctx context.Context) ([]string, error) {
	paths, err := d.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, transport.Transient("list queues", err)
	}
	return paths, nil
}

func (d *Driver) ListTopics(ctx context.Context) ([]string, error) {
	paths, err := d.client.SMembers(ctx, topicsKey).Result()
	if err != nil {
		return nil, transport.Transient("list topics", err)
	}
	return paths, nil
}

func (d *Driver) ListSubscriptions(ctx context.Context) ([]transport.Subscription, error) {
	keys, err := d.client.SMembers(ctx, subscriptionsKey).Result()
	if err != nil {
		return nil, transport.Transient("list subscriptions", err)
	}

	out := make([]transport.Subscription, 0, len(keys))
	for _, key := range keys {
		topic, name, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		out = append(out, transport.Subscription{Topic: topic, Name: name})
	}
	return out, nil
}

// QueueSender implements transport.Driver.
func (d *Driver) QueueSender(path string) (transport.Sender, error) {
	return &sender{driver: d, stream: path}, nil
}

// TopicSender implements transport.Driver. Fan-out happens on the consumer
// side through per-subscription groups, so sending is identical.
func (d *Driver) TopicSender(path string) (transport.Sender, error) {
	return &sender{driver: d, stream: path}, nil
}

// QueueReceiver implements transport.Driver.
func (d *Driver) QueueReceiver(path string) (transport.Receiver, error) {
	return d.newReceiver(path, queueGroup), nil
}

// SubscriptionReceiver implements transport.Driver.
func (d *Driver) SubscriptionReceiver(topic, name string) (transport.Receiver, error) {
	return d.newReceiver(topic, name), nil
}

// Close closes the redis connection. Safe to call more than once.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.closeErr = d.client.Close()
	})
	return d.closeErr
}

func (d *Driver) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

type sender struct {
	driver *Driver
	stream string
}

func (s *sender) Send(ctx context.Context, msg *transport.Message) error {
	if s.driver.isClosed() {
		return transport.ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: encodeMessage(msg),
	}
	if s.driver.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.driver.cfg.MaxLenApprox
		args.Approx = true
	}

	if err := s.driver.client.XAdd(ctx, args).Err(); err != nil {
		return transport.Transient("send", err)
	}
	return nil
}

func encodeMessage(msg *transport.Message) map[string]any {
	values := make(map[string]any, 7+len(msg.Properties))
	values[fieldID] = msg.ID
	if msg.CorrelationID != "" {
		values[fieldCorrelation] = msg.CorrelationID
	}
	if msg.ReplyTo != "" {
		values[fieldReplyTo] = msg.ReplyTo
	}
	values[fieldPayload] = msg.Payload
	values[fieldEnqueuedAt] = msg.EnqueuedTimeUTC.Format(time.RFC3339Nano)
	values[fieldExpiresMs] = msg.ExpiresAfter.Milliseconds()
	values[fieldAttempt] = msg.DeliveryAttempt

	for k, v := range msg.Properties {
		values[fieldPropPrefix+k] = v
	}
	return values
}

func decodeMessage(values map[string]any) *transport.Message {
	msg := &transport.Message{}

	msg.ID = asString(values[fieldID])
	msg.CorrelationID = asString(values[fieldCorrelation])
	msg.ReplyTo = asString(values[fieldReplyTo])
	msg.Payload = []byte(asString(values[fieldPayload]))

	if raw := asString(values[fieldEnqueuedAt]); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.EnqueuedTimeUTC = ts
		}
	}
	if raw := asString(values[fieldExpiresMs]); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			msg.ExpiresAfter = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := asString(values[fieldAttempt]); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.DeliveryAttempt = n
		}
	}

	for key, value := range values {
		if prop, ok := strings.CutPrefix(key, fieldPropPrefix); ok {
			msg.SetProperty(prop, asString(value))
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

type receiver struct {
	driver   *Driver
	stream   string
	group    string
	consumer string

	closeOnce sync.Once
	closed    chan struct{}
}

func (d *Driver) newReceiver(stream, group string) *receiver {
	return &receiver{
		driver:   d,
		stream:   stream,
		group:    group,
		consumer: d.cfg.Consumer,
		closed:   make(chan struct{}),
	}
}

func (r *receiver) Receive(ctx context.Context) (transport.Delivery, error) {
	for {
		select {
		case <-r.closed:
			return nil, transport.ErrClosed
		case <-r.driver.closed:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		streams, err := r.driver.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, transport.Transient("receive", err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := decodeMessage(entry.Values)
				msg.SetDeliveryAttempt(msg.DeliveryAttempt + 1)
				return &delivery{r: r, entryID: entry.ID, msg: msg}, nil
			}
		}
	}
}

func (r *receiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type delivery struct {
	r       *receiver
	entryID string
	msg     *transport.Message
	settled sync.Once
}

func (d *delivery) Message() *transport.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.settled.Do(func() {
		err = d.r.driver.client.XAck(ctx, d.r.stream, d.r.group, d.entryID).Err()
	})
	if err != nil {
		return transport.Transient("ack", err)
	}
	return nil
}

// Nack re-enqueues the message with its bumped attempt count and acks the
// original entry, so redelivery works without XCLAIM bookkeeping and poison
// loops stay bounded by the core's delivery-attempt check.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.settled.Do(func() {
		args := &redis.XAddArgs{
			Stream: d.r.stream,
			ID:     "*",
			Values: encodeMessage(d.msg),
		}
		if err = d.r.driver.client.XAdd(ctx, args).Err(); err != nil {
			return
		}
		err = d.r.driver.client.XAck(ctx, d.r.stream, d.r.group, d.entryID).Err()
	})
	if err != nil {
		return transport.Transient("nack", err)
	}
	return nil
}

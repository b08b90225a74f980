// Package transport defines the driver contract between the Nimbus core and
// a concrete message broker. Each implementation (inmem, redisstream, ...)
// lives in its own sub-package and registers itself with the transport
// registry.
package transport

import (
	"context"
	"time"
)

// Sender pushes envelopes onto a single queue or topic path.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Delivery is one received envelope plus its settlement callbacks. Exactly
// one of Ack or Nack is called per delivery; adapters must tolerate repeats.
type Delivery interface {
	Message() *Message

	// Ack marks the message as processed.
	Ack(ctx context.Context) error

	// Nack returns the message to the transport for redelivery, carrying the
	// failure reason for diagnostics. The transport bumps the delivery
	// attempt on the next delivery.
	Nack(ctx context.Context, reason error) error
}

// Receiver pulls envelopes from a single queue or subscription.
type Receiver interface {
	// Receive blocks until a delivery is available, the context is cancelled,
	// or the receiver is closed.
	Receive(ctx context.Context) (Delivery, error)

	Close() error
}

// QueueDescriptor carries the settings applied when a queue is created.
type QueueDescriptor struct {
	MaxDeliveryAttempts    int
	MessageTimeToLive      time.Duration
	LockDuration           time.Duration
	AutoDeleteOnIdle       time.Duration
	DeadLetterOnExpiration bool
}

// SubscriptionDescriptor carries the settings applied when a subscription is
// created on a topic.
type SubscriptionDescriptor struct {
	MaxDeliveryAttempts    int
	MessageTimeToLive      time.Duration
	LockDuration           time.Duration
	AutoDeleteOnIdle       time.Duration
	DeadLetterOnExpiration bool
}

// Subscription identifies a subscription by its owning topic and name. The
// composite key on the wire is "topic/name".
type Subscription struct {
	Topic string
	Name  string
}

// Key returns the composite "topic/name" key.
func (s Subscription) Key() string { return s.Topic + "/" + s.Name }

// NamespaceManager exposes the broker's entity-management plane. Create calls
// are not required to be idempotent; the entity manager in the core layers
// idempotence, locking, and retries on top of these primitives.
type NamespaceManager interface {
	CreateQueue(ctx context.Context, path string, d QueueDescriptor) error
	CreateTopic(ctx context.Context, path string) error
	CreateSubscription(ctx context.Context, topic, name string, d SubscriptionDescriptor) error

	QueueExists(ctx context.Context, path string) (bool, error)
	TopicExists(ctx context.Context, path string) (bool, error)
	SubscriptionExists(ctx context.Context, topic, name string) (bool, error)

	ListQueues(ctx context.Context) ([]string, error)
	ListTopics(ctx context.Context) ([]string, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

// Driver is an open connection to a broker. Senders and receivers returned
// for the same path may be cached and shared by the core.
type Driver interface {
	QueueSender(path string) (Sender, error)
	QueueReceiver(path string) (Receiver, error)
	TopicSender(path string) (Sender, error)
	SubscriptionReceiver(topic, name string) (Receiver, error)

	Namespace() NamespaceManager

	Close() error
}

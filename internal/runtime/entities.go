package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// createAttempts bounds entity creation. Attempt k sleeps k seconds before
// retrying, so a full cycle waits 1+2+3+4 seconds.
const createAttempts = 5

// EntityManager lazily provisions queues, topics, and subscriptions. All
// Ensure methods are idempotent and safe for concurrent callers: callers of
// one manager serialize on a per-path lock, so only one of them issues create
// calls for a path. Races with other bus instances surface as "exists" or
// "conflict in progress" results; a conflict is probed and, when the entity is
// still absent, the create is issued again.
type EntityManager struct {
	ns     transport.NamespaceManager
	clock  clock.Clock
	logger logging.ServiceLogger

	queueDescriptor        transport.QueueDescriptor
	subscriptionDescriptor transport.SubscriptionDescriptor
	warmupTimeout          time.Duration

	locks sync.Map // entity key -> *sync.Mutex

	knownQueues        sync.Map // path -> struct{}
	knownTopics        sync.Map
	knownSubscriptions sync.Map // "topic/name" -> struct{}

	warmMu   sync.Mutex
	warmDone bool
}

// NewEntityManager wires an entity manager for one transport connection.
// Known-entity sets live and die with the manager, never process-wide.
func NewEntityManager(ns transport.NamespaceManager, clk clock.Clock, logger logging.ServiceLogger, queueDesc transport.QueueDescriptor, subDesc transport.SubscriptionDescriptor, warmupTimeout time.Duration) *EntityManager {
	return &EntityManager{
		ns:                     ns,
		clock:                  clk,
		logger:                 logger.With(logging.LogFields{"component": "entities"}),
		queueDescriptor:        queueDesc,
		subscriptionDescriptor: subDesc,
		warmupTimeout:          warmupTimeout,
	}
}

// EnsureQueue makes sure the queue exists, creating it if needed.
func (m *EntityManager) EnsureQueue(ctx context.Context, path string) error {
	return m.ensure(ctx, "queue", path, &m.knownQueues,
		func(ctx context.Context) error { return m.ns.CreateQueue(ctx, path, m.queueDescriptor) },
		func(ctx context.Context) (bool, error) { return m.ns.QueueExists(ctx, path) },
	)
}

// EnsureTopic makes sure the topic exists, creating it if needed.
func (m *EntityManager) EnsureTopic(ctx context.Context, path string) error {
	return m.ensure(ctx, "topic", path, &m.knownTopics,
		func(ctx context.Context) error { return m.ns.CreateTopic(ctx, path) },
		func(ctx context.Context) (bool, error) { return m.ns.TopicExists(ctx, path) },
	)
}

// EnsureSubscription makes sure the subscription exists on its topic,
// creating the topic first if needed.
func (m *EntityManager) EnsureSubscription(ctx context.Context, topic, name string) error {
	if err := m.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	key := transport.Subscription{Topic: topic, Name: name}.Key()
	return m.ensure(ctx, "subscription", key, &m.knownSubscriptions,
		func(ctx context.Context) error {
			return m.ns.CreateSubscription(ctx, topic, name, m.subscriptionDescriptor)
		},
		func(ctx context.Context) (bool, error) { return m.ns.SubscriptionExists(ctx, topic, name) },
	)
}

// ensure implements double-checked existence under a per-path lock.
func (m *EntityManager) ensure(ctx context.Context, kind, key string, known *sync.Map, create func(context.Context) error, exists func(context.Context) (bool, error)) error {
	if err := m.warmUp(ctx); err != nil {
		return err
	}

	if _, ok := known.Load(key); ok {
		return nil
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := known.Load(key); ok {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		err := create(ctx)
		switch {
		case err == nil, errors.Is(err, transport.ErrEntityExists):
			known.Store(key, struct{}{})
			return nil

		case errors.Is(err, transport.ErrConflictInProgress):
			// A racing creator got there first; probe for its outcome. When
			// the entity is still absent the race must have failed, so the
			// create is retried immediately.
			present, probeErr := exists(ctx)
			if probeErr == nil && present {
				known.Store(key, struct{}{})
				return nil
			}
			if probeErr != nil {
				err = probeErr
			}
			lastErr = err
			m.logger.Error("entity creation conflicted", err, logging.LogFields{
				"kind":    kind,
				"path":    key,
				"attempt": attempt,
			})

		default:
			lastErr = err
			m.logger.Error("entity creation attempt failed", err, logging.LogFields{
				"kind":    kind,
				"path":    key,
				"attempt": attempt,
			})
			if attempt == createAttempts {
				break
			}
			if sleepErr := clock.Sleep(ctx, m.clock, time.Duration(attempt)*time.Second); sleepErr != nil {
				return &errspkg.EntityCreationError{Kind: kind, Path: key, RetryCount: attempt, Err: err}
			}
		}
	}

	return &errspkg.EntityCreationError{Kind: kind, Path: key, RetryCount: createAttempts, Err: lastErr}
}

func (m *EntityManager) lockFor(key string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// warmUp performs the one-time bulk fetch of existing entities, bounded by
// the default timeout. A failed warm-up is retried on the next Ensure call.
func (m *EntityManager) warmUp(ctx context.Context) error {
	m.warmMu.Lock()
	defer m.warmMu.Unlock()

	if m.warmDone {
		return nil
	}

	warmCtx := ctx
	if m.warmupTimeout > 0 {
		var cancel context.CancelFunc
		warmCtx, cancel = context.WithTimeout(ctx, m.warmupTimeout)
		defer cancel()
	}

	queues, err := m.ns.ListQueues(warmCtx)
	if err != nil {
		return m.warmUpError(err)
	}
	topics, err := m.ns.ListTopics(warmCtx)
	if err != nil {
		return m.warmUpError(err)
	}
	subscriptions, err := m.ns.ListSubscriptions(warmCtx)
	if err != nil {
		return m.warmUpError(err)
	}

	for _, path := range queues {
		m.knownQueues.Store(path, struct{}{})
	}
	for _, path := range topics {
		m.knownTopics.Store(path, struct{}{})
	}
	for _, sub := range subscriptions {
		m.knownSubscriptions.Store(sub.Key(), struct{}{})
	}

	m.warmDone = true
	return nil
}

func (m *EntityManager) warmUpError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &errspkg.TimeoutError{Op: "entity warm-up", Timeout: m.warmupTimeout}
	}
	return err
}

// KnownQueue reports whether a queue is in the known-set. Known entities
// stay known for the lifetime of the manager.
func (m *EntityManager) KnownQueue(path string) bool {
	_, ok := m.knownQueues.Load(path)
	return ok
}

// KnownTopic reports whether a topic is in the known-set.
func (m *EntityManager) KnownTopic(path string) bool {
	_, ok := m.knownTopics.Load(path)
	return ok
}

// KnownSubscription reports whether a subscription is in the known-set.
func (m *EntityManager) KnownSubscription(topic, name string) bool {
	_, ok := m.knownSubscriptions.Load(transport.Subscription{Topic: topic, Name: name}.Key())
	return ok
}

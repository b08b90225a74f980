package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nimbusmq/nimbus/transport"
)

// callRecorder collects hook invocations so ordering can be asserted.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// recordingInbound is a test inbound interceptor that logs its hook calls.
type recordingInbound struct {
	InterceptorBase
	recorder *callRecorder
	failWith error
}

func (i *recordingInbound) OnHandling(hc *HandlerContext) error {
	i.recorder.record("handling:" + i.Name())
	return i.failWith
}

func (i *recordingInbound) OnHandled(hc *HandlerContext) {
	i.recorder.record("handled:" + i.Name())
}

func (i *recordingInbound) OnError(hc *HandlerContext, err error) {
	i.recorder.record("error:" + i.Name())
}

// recordingOutbound mirrors recordingInbound for the outbound chain.
type recordingOutbound struct {
	InterceptorBase
	recorder *callRecorder
	failWith error
}

func (i *recordingOutbound) OnSending(ctx context.Context, msg *transport.Message) error {
	i.recorder.record("sending:" + i.Name())
	return i.failWith
}

func (i *recordingOutbound) OnSent(ctx context.Context, msg *transport.Message) {
	i.recorder.record("sent:" + i.Name())
}

func (i *recordingOutbound) OnError(ctx context.Context, msg *transport.Message, err error) {
	i.recorder.record("senderror:" + i.Name())
}

// recordingRequestOutbound also implements the request-path hooks.
type recordingRequestOutbound struct {
	recordingOutbound
}

func (i *recordingRequestOutbound) OnRequestSending(ctx context.Context, msg *transport.Message) error {
	i.recorder.record("reqsending:" + i.Name())
	return i.failWith
}

func (i *recordingRequestOutbound) OnRequestSent(ctx context.Context, msg *transport.Message) {
	i.recorder.record("reqsent:" + i.Name())
}

func (i *recordingRequestOutbound) OnRequestSendingError(ctx context.Context, msg *transport.Message, err error) {
	i.recorder.record("reqsenderror:" + i.Name())
}

// countingResolver tracks scope opens and closes for containment checks.
type countingResolver struct {
	opened atomic.Int64
	closed atomic.Int64
}

func (r *countingResolver) CreateChildScope() (Scope, error) {
	r.opened.Add(1)
	return &countingScope{resolver: r}, nil
}

type countingScope struct {
	resolver *countingResolver
	once     sync.Once
}

func (s *countingScope) Resolve(name string) (any, error) { return nil, nil }

func (s *countingScope) Close() error {
	s.once.Do(func() { s.resolver.closed.Add(1) })
	return nil
}

// fakeNamespace is a scriptable namespace manager for entity-manager tests.
type fakeNamespace struct {
	mu sync.Mutex

	queues        map[string]struct{}
	topics        map[string]struct{}
	subscriptions map[string]struct{}

	createQueueCalls        int
	createTopicCalls        int
	createSubscriptionCalls int

	// nextErrs is consumed one error per create call, keyed "kind:path".
	nextErrs map[string][]error

	listErr error
}

func newFakeNamespace() *fakeNamespace {
	return &fakeNamespace{
		queues:        make(map[string]struct{}),
		topics:        make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
		nextErrs:      make(map[string][]error),
	}
}

func (f *fakeNamespace) pushErr(kind, path string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kind + ":" + path
	f.nextErrs[key] = append(f.nextErrs[key], errs...)
}

func (f *fakeNamespace) popErr(kind, path string) error {
	key := kind + ":" + path
	pending := f.nextErrs[key]
	if len(pending) == 0 {
		return nil
	}
	f.nextErrs[key] = pending[1:]
	return pending[0]
}

func (f *fakeNamespace) CreateQueue(ctx context.Context, path string, _ transport.QueueDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createQueueCalls++
	if err := f.popErr("queue", path); err != nil {
		return err
	}
	if _, ok := f.queues[path]; ok {
		return transport.ErrEntityExists
	}
	f.queues[path] = struct{}{}
	return nil
}

func (f *fakeNamespace) CreateTopic(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createTopicCalls++
	if err := f.popErr("topic", path); err != nil {
		return err
	}
	if _, ok := f.topics[path]; ok {
		return transport.ErrEntityExists
	}
	f.topics[path] = struct{}{}
	return nil
}

func (f *fakeNamespace) CreateSubscription(ctx context.Context, topic, name string, _ transport.SubscriptionDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := topic + "/" + name
	f.createSubscriptionCalls++
	if err := f.popErr("subscription", key); err != nil {
		return err
	}
	if _, ok := f.subscriptions[key]; ok {
		return transport.ErrEntityExists
	}
	f.subscriptions[key] = struct{}{}
	return nil
}

func (f *fakeNamespace) QueueExists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[path]
	return ok, nil
}

func (f *fakeNamespace) TopicExists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.topics[path]
	return ok, nil
}

func (f *fakeNamespace) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscriptions[topic+"/"+name]
	return ok, nil
}

func (f *fakeNamespace) ListQueues(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]string, 0, len(f.queues))
	for path := range f.queues {
		out = append(out, path)
	}
	return out, nil
}

func (f *fakeNamespace) ListTopics(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.topics))
	for path := range f.topics {
		out = append(out, path)
	}
	return out, nil
}

func (f *fakeNamespace) ListSubscriptions(ctx context.Context) ([]transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []transport.Subscription
	for key := range f.subscriptions {
		for i := 0; i < len(key); i++ {
			if key[i] == '/' {
				out = append(out, transport.Subscription{Topic: key[:i], Name: key[i+1:]})
				break
			}
		}
	}
	return out, nil
}

func testMessage(id, messageType string) *transport.Message {
	msg := &transport.Message{ID: id}
	msg.SetProperty(transport.PropMessageType, messageType)
	return msg
}

package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	jsoncodec "github.com/nimbusmq/nimbus/internal/runtime/jsoncodec"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// reapInterval is how often the reaper scans for expired requests. The
// reaper is the single source of timeout truth for outstanding requests.
const reapInterval = time.Second

// multicastBuffer bounds how many replies a multicast request can hold
// before the collector drains them.
const multicastBuffer = 64

// Correlator tracks outstanding requests and completes them when their reply
// envelopes arrive.
type Correlator struct {
	clock  clock.Clock
	logger logging.ServiceLogger

	entries sync.Map // message id -> *outstandingRequest

	stopOnce sync.Once
	stop     chan struct{}
}

type outstandingRequest struct {
	id        string
	expiresAt time.Time
	timeout   time.Duration
	multicast bool

	mu        sync.Mutex
	completed bool
	reply     *transport.Message
	err       error
	done      chan struct{}

	// stream carries multicast replies until the window closes.
	stream chan *transport.Message
}

// NewCorrelator wires a correlator. Call Start to launch the reaper.
func NewCorrelator(clk clock.Clock, logger logging.ServiceLogger) *Correlator {
	return &Correlator{
		clock:  clk,
		logger: logger.With(logging.LogFields{"component": "correlator"}),
		stop:   make(chan struct{}),
	}
}

// Start launches the periodic reaper.
func (c *Correlator) Start() {
	go c.reapLoop()
}

// Stop halts the reaper and cancels every outstanding request.
func (c *Correlator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.entries.Range(func(key, value any) bool {
		c.finish(value.(*outstandingRequest), nil, errspkg.ErrCancelled)
		c.entries.Delete(key)
		return true
	})
}

// RecordRequest registers an outstanding request before its envelope is
// sent. The returned handle waits for the single reply.
func (c *Correlator) RecordRequest(messageID string, expiresAt time.Time) *ResponseHandle {
	r := &outstandingRequest{
		id:        messageID,
		expiresAt: expiresAt,
		timeout:   expiresAt.Sub(c.clock.Now()),
		done:      make(chan struct{}),
	}
	c.entries.Store(messageID, r)
	return &ResponseHandle{c: c, r: r}
}

// RecordMulticastRequest registers an outstanding multicast request. The
// returned handle collects every reply until the window closes.
func (c *Correlator) RecordMulticastRequest(messageID string, expiresAt time.Time) *MulticastResponseHandle {
	r := &outstandingRequest{
		id:        messageID,
		expiresAt: expiresAt,
		timeout:   expiresAt.Sub(c.clock.Now()),
		multicast: true,
		done:      make(chan struct{}),
		stream:    make(chan *transport.Message, multicastBuffer),
	}
	c.entries.Store(messageID, r)
	return &MulticastResponseHandle{c: c, r: r}
}

// TryComplete matches a reply envelope to its outstanding request. Unmatched
// or expired replies are dropped without error.
func (c *Correlator) TryComplete(msg *transport.Message) bool {
	if msg == nil || msg.CorrelationID == "" {
		return false
	}

	value, ok := c.entries.Load(msg.CorrelationID)
	if !ok {
		return false
	}
	r := value.(*outstandingRequest)

	if c.clock.Now().After(r.expiresAt) {
		// Leave expiry to the reaper so timeout has one source of truth.
		return false
	}

	var failure error
	if msg.Property(transport.PropFaulted) != "" {
		failure = decodeFault(msg)
	}

	if r.multicast {
		if failure != nil {
			// A faulted reply does not terminate the stream; other handlers
			// may still answer.
			c.logger.Debug("dropping faulted multicast reply", logging.LogFields{
				"correlation_id": msg.CorrelationID,
			})
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.completed {
			return false
		}
		select {
		case r.stream <- msg:
			return true
		default:
			c.logger.Error("multicast reply buffer full, dropping reply", nil, logging.LogFields{
				"correlation_id": msg.CorrelationID,
			})
			return false
		}
	}

	completed := c.finish(r, msg, failure)
	if completed {
		c.entries.Delete(r.id)
	}
	return completed
}

// Cancel abandons an outstanding request. The already-sent envelope is not
// recalled.
func (c *Correlator) Cancel(messageID string) {
	value, ok := c.entries.LoadAndDelete(messageID)
	if !ok {
		return
	}
	c.finish(value.(*outstandingRequest), nil, errspkg.ErrCancelled)
}

// finish signals completion exactly once. Returns false if the request was
// already completed.
func (c *Correlator) finish(r *outstandingRequest, reply *transport.Message, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed {
		return false
	}
	r.completed = true
	r.reply = reply
	r.err = err
	if r.multicast {
		close(r.stream)
	}
	close(r.done)
	return true
}

func (c *Correlator) reapLoop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.clock.After(reapInterval):
			c.reapOnce()
		}
	}
}

// reapOnce expires overdue requests. Errors are contained here and logged;
// the reaper never propagates failures.
func (c *Correlator) reapOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("reaper panicked", fmt.Errorf("%v", rec), nil)
		}
	}()

	now := c.clock.Now()
	c.entries.Range(func(key, value any) bool {
		r := value.(*outstandingRequest)
		if now.Before(r.expiresAt) {
			return true
		}
		c.finish(r, nil, &errspkg.TimeoutError{Op: "request " + r.id, Timeout: r.timeout})
		c.entries.Delete(key)
		return true
	})
}

func decodeFault(msg *transport.Message) error {
	var fault FaultPayload
	if err := jsoncodec.Unmarshal(msg.Payload, &fault); err != nil {
		return &errspkg.RemoteFaultError{Message: "unreadable fault payload", Details: string(msg.Payload)}
	}
	return &errspkg.RemoteFaultError{Message: fault.Message, Details: string(msg.Payload)}
}

// ResponseHandle waits for the single reply to a request.
type ResponseHandle struct {
	c *Correlator
	r *outstandingRequest
}

// MessageID returns the id of the outstanding request.
func (h *ResponseHandle) MessageID() string { return h.r.id }

// WaitForResponse blocks until the reply arrives, the reaper times the
// request out, or ctx is cancelled. Cancellation abandons the request.
func (h *ResponseHandle) WaitForResponse(ctx context.Context) (*transport.Message, error) {
	select {
	case <-h.r.done:
		return h.r.reply, h.r.err
	case <-ctx.Done():
		h.c.Cancel(h.r.id)
		return nil, errspkg.ErrCancelled
	}
}

// MulticastResponseHandle collects the replies to a multicast request.
type MulticastResponseHandle struct {
	c *Correlator
	r *outstandingRequest
}

// MessageID returns the id of the outstanding request.
func (h *MulticastResponseHandle) MessageID() string { return h.r.id }

// WaitForResponses blocks until the reply window closes and returns every
// reply received, possibly none. Cancelling ctx abandons the request and
// returns what arrived so far.
func (h *MulticastResponseHandle) WaitForResponses(ctx context.Context) ([]*transport.Message, error) {
	var replies []*transport.Message
	for {
		select {
		case msg, ok := <-h.r.stream:
			if !ok {
				return replies, nil
			}
			replies = append(replies, msg)
		case <-ctx.Done():
			h.c.Cancel(h.r.id)
			return replies, errspkg.ErrCancelled
		}
	}
}

package runtime

import (
	"fmt"
	"sync"

	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
)

// HandlerShape tags the five interaction patterns a handler can serve.
type HandlerShape int

const (
	ShapeCommand HandlerShape = iota
	ShapeCompetingEvent
	ShapeMulticastEvent
	ShapeRequest
	ShapeMulticastRequest
)

func (s HandlerShape) String() string {
	switch s {
	case ShapeCommand:
		return "command"
	case ShapeCompetingEvent:
		return "competing-event"
	case ShapeMulticastEvent:
		return "multicast-event"
	case ShapeRequest:
		return "request"
	case ShapeMulticastRequest:
		return "multicast-request"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// replies reports whether handlers of this shape produce reply envelopes.
func (s HandlerShape) replies() bool {
	return s == ShapeRequest || s == ShapeMulticastRequest
}

// consumesQueue reports whether messages of this shape arrive via queues
// rather than topic subscriptions.
func (s HandlerShape) consumesQueue() bool {
	return s == ShapeCommand || s == ShapeRequest
}

// handlerBinding is one registered handler: shape-tagged, type-erased, and
// closed over its payload type's decoding.
type handlerBinding struct {
	shape       HandlerShape
	messageType string
	name        string

	// invoke decodes the envelope payload, constructs the handler inside the
	// dispatch scope, and runs it. For reply-producing shapes the first
	// return value is the reply payload.
	invoke func(hc *HandlerContext) (any, error)
}

// HandlerRegistry holds one handler map per shape. The handler maps are
// populated before Start and immutable afterwards; RegisterMessageType can
// still mark further types as sendable after Start.
type HandlerRegistry struct {
	mu       sync.RWMutex
	frozen   bool
	bindings map[HandlerShape]map[string][]*handlerBinding

	// known holds every message type the bus may send or receive; the
	// send-side verifier consults it.
	known map[string]struct{}
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		bindings: make(map[HandlerShape]map[string][]*handlerBinding),
		known:    make(map[string]struct{}),
	}
}

func (r *HandlerRegistry) add(b *handlerBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrBusAlreadyStarted
	}

	byType, ok := r.bindings[b.shape]
	if !ok {
		byType = make(map[string][]*handlerBinding)
		r.bindings[b.shape] = byType
	}
	if b.shape == ShapeRequest && len(byType[b.messageType]) > 0 {
		return errspkg.ErrDuplicateRequestHandler
	}

	byType[b.messageType] = append(byType[b.messageType], b)
	r.known[b.messageType] = struct{}{}
	return nil
}

// RegisterMessageType marks a type name as sendable without attaching a
// handler. Senders that never consume a type still register it here.
func (r *HandlerRegistry) RegisterMessageType(typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[typeName] = struct{}{}
}

// freeze refuses further handler registrations. Called once on Start.
func (r *HandlerRegistry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Verify refuses message types that were never registered.
func (r *HandlerRegistry) Verify(typeName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.known[typeName]; !ok {
		return &errspkg.UnknownMessageTypeError{TypeName: typeName}
	}
	return nil
}

// bindingsFor returns the registered handlers for a shape and message type.
func (r *HandlerRegistry) bindingsFor(shape HandlerShape, messageType string) []*handlerBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType, ok := r.bindings[shape]
	if !ok {
		return nil
	}
	return byType[messageType]
}

// consumption describes one message source the bus must pump.
type consumption struct {
	shape       HandlerShape
	messageType string
}

// consumptions lists every (shape, message type) pair with at least one
// handler, in no particular order.
func (r *HandlerRegistry) consumptions() []consumption {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []consumption
	for shape, byType := range r.bindings {
		for messageType := range byType {
			out = append(out, consumption{shape: shape, messageType: messageType})
		}
	}
	return out
}

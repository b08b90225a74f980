package runtime

import (
	"context"
	"sort"

	"github.com/nimbusmq/nimbus/transport"
)

// InboundInterceptor hooks around handler execution. Instances are built
// per envelope by a factory and live for one dispatch.
type InboundInterceptor interface {
	Name() string
	Priority() int

	OnHandling(hc *HandlerContext) error
	OnHandled(hc *HandlerContext)
	OnError(hc *HandlerContext, err error)
}

// OutboundInterceptor hooks around a send operation. Instances are built per
// envelope and live for one send.
type OutboundInterceptor interface {
	Name() string
	Priority() int

	OnSending(ctx context.Context, msg *transport.Message) error
	OnSent(ctx context.Context, msg *transport.Message)
	OnError(ctx context.Context, msg *transport.Message, err error)
}

// RequestOutboundInterceptor extends OutboundInterceptor with hooks specific
// to the request path. Interceptors that do not implement it fall back to
// the plain send hooks on requests.
type RequestOutboundInterceptor interface {
	OutboundInterceptor

	OnRequestSending(ctx context.Context, msg *transport.Message) error
	OnRequestSent(ctx context.Context, msg *transport.Message)
	OnRequestSendingError(ctx context.Context, msg *transport.Message, err error)
}

// InboundInterceptorFactory builds the inbound chain for one envelope inside
// the dispatch scope.
type InboundInterceptorFactory func(s Scope, msg *transport.Message) []InboundInterceptor

// OutboundInterceptorFactory builds the outbound chain for one envelope.
type OutboundInterceptorFactory func(s Scope, msg *transport.Message) []OutboundInterceptor

// InterceptorBase supplies Name and Priority for embedding. It supplies no
// hooks: an embedding type still implements every hook of its interceptor
// interface.
type InterceptorBase struct {
	InterceptorName     string
	InterceptorPriority int
}

func (b InterceptorBase) Name() string  { return b.InterceptorName }
func (b InterceptorBase) Priority() int { return b.InterceptorPriority }

// orderInbound sorts the chain by priority descending, then name ascending.
// The sort is stable so equal interceptors keep registration order.
func orderInbound(ics []InboundInterceptor) []InboundInterceptor {
	ordered := append([]InboundInterceptor(nil), ics...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() > ordered[j].Priority()
		}
		return ordered[i].Name() < ordered[j].Name()
	})
	return ordered
}

func orderOutbound(ics []OutboundInterceptor) []OutboundInterceptor {
	ordered := append([]OutboundInterceptor(nil), ics...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() > ordered[j].Priority()
		}
		return ordered[i].Name() < ordered[j].Name()
	})
	return ordered
}

// runInbound executes the guarded operation inside the inbound chain.
// Before hooks run in order, after hooks in reverse order; on failure the
// error hooks run in reverse order over every interceptor whose before hook
// ran, and the original error is returned unwrapped.
func runInbound(ics []InboundInterceptor, hc *HandlerContext, op func() error) error {
	ordered := orderInbound(ics)

	for i, ic := range ordered {
		if err := ic.OnHandling(hc); err != nil {
			for j := i; j >= 0; j-- {
				ordered[j].OnError(hc, err)
			}
			return err
		}
	}

	if err := op(); err != nil {
		for j := len(ordered) - 1; j >= 0; j-- {
			ordered[j].OnError(hc, err)
		}
		return err
	}

	for j := len(ordered) - 1; j >= 0; j-- {
		ordered[j].OnHandled(hc)
	}
	return nil
}

// runOutbound executes the guarded send inside the outbound chain. On the
// request path, interceptors implementing RequestOutboundInterceptor receive
// the request-specific hooks instead of the plain ones.
func runOutbound(ics []OutboundInterceptor, ctx context.Context, msg *transport.Message, isRequest bool, op func() error) error {
	ordered := orderOutbound(ics)

	before := func(ic OutboundInterceptor) error {
		if isRequest {
			if ri, ok := ic.(RequestOutboundInterceptor); ok {
				return ri.OnRequestSending(ctx, msg)
			}
		}
		return ic.OnSending(ctx, msg)
	}
	after := func(ic OutboundInterceptor) {
		if isRequest {
			if ri, ok := ic.(RequestOutboundInterceptor); ok {
				ri.OnRequestSent(ctx, msg)
				return
			}
		}
		ic.OnSent(ctx, msg)
	}
	fail := func(ic OutboundInterceptor, err error) {
		if isRequest {
			if ri, ok := ic.(RequestOutboundInterceptor); ok {
				ri.OnRequestSendingError(ctx, msg, err)
				return
			}
		}
		ic.OnError(ctx, msg, err)
	}

	for i, ic := range ordered {
		if err := before(ic); err != nil {
			for j := i; j >= 0; j-- {
				fail(ordered[j], err)
			}
			return err
		}
	}

	if err := op(); err != nil {
		for j := len(ordered) - 1; j >= 0; j-- {
			fail(ordered[j], err)
		}
		return err
	}

	for j := len(ordered) - 1; j >= 0; j-- {
		after(ordered[j])
	}
	return nil
}

func combineInboundFactories(factories []InboundInterceptorFactory) InboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []InboundInterceptor {
		var out []InboundInterceptor
		for _, f := range factories {
			out = append(out, f(s, msg)...)
		}
		return out
	}
}

func combineOutboundFactories(factories []OutboundInterceptorFactory) OutboundInterceptorFactory {
	return func(s Scope, msg *transport.Message) []OutboundInterceptor {
		var out []OutboundInterceptor
		for _, f := range factories {
			out = append(out, f(s, msg)...)
		}
		return out
	}
}

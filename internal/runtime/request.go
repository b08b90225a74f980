package runtime

import (
	"context"
	"time"

	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	"github.com/nimbusmq/nimbus/transport"
)

// Request sends a request and decodes the reply into TRes. A non-positive
// timeout falls back to the configured default response timeout.
func Request[TRes any](ctx context.Context, b *Bus, request any, timeout time.Duration) (TRes, error) {
	var zero TRes

	reply, err := b.Request(ctx, request, timeout)
	if err != nil {
		return zero, err
	}
	return decodeReply[TRes](b, reply)
}

// MulticastRequest publishes a request and decodes every reply collected
// before the window closes. The result order is not defined.
func MulticastRequest[TRes any](ctx context.Context, b *Bus, request any, window time.Duration) ([]TRes, error) {
	replies, err := b.MulticastRequest(ctx, request, window)
	if err != nil {
		return nil, err
	}

	out := make([]TRes, 0, len(replies))
	for _, reply := range replies {
		decoded, err := decodeReply[TRes](b, reply)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func decodeReply[TRes any](b *Bus, reply *transport.Message) (TRes, error) {
	var out TRes
	if err := b.codec.Unmarshal(reply.Payload, &out); err != nil {
		return out, &errspkg.SerializationError{TypeName: typeNameFor[TRes](), Err: err}
	}
	return out, nil
}

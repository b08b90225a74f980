package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

// receiveBackoff spaces out receive retries after transport errors so a
// broken receiver does not spin.
const receiveBackoff = 250 * time.Millisecond

// pump moves deliveries from one receiver through a dispatcher and settles
// them with the transport according to the dispatch result.
type pump struct {
	name       string
	path       string
	receiver   transport.Receiver
	dispatcher Dispatcher
	clock      clock.Clock
	logger     logging.ServiceLogger
	stats      *PumpStats

	maxDeliveryAttempts    int
	deadLetterOnExpiration bool

	// deadLetter forwards a poisoned or expired message to the dead-letter
	// office.
	deadLetter func(ctx context.Context, msg *transport.Message, reason string) error
}

func (p *pump) run(ctx context.Context) error {
	for {
		delivery, err := p.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			p.logger.Error("receive failed", err, logging.LogFields{"path": p.path})
			if sleepErr := clock.Sleep(ctx, p.clock, receiveBackoff); sleepErr != nil {
				return nil
			}
			continue
		}

		p.handle(ctx, delivery)
	}
}

func (p *pump) handle(ctx context.Context, delivery transport.Delivery) {
	msg := delivery.Message()

	if msg.Expired(p.clock.Now()) {
		if p.deadLetterOnExpiration {
			p.forward(ctx, msg, "message expired")
		}
		p.settle(ctx, delivery.Ack)
		return
	}

	if msg.DeliveryAttempt > p.maxDeliveryAttempts {
		p.forward(ctx, msg, "delivery attempts exhausted")
		p.settle(ctx, delivery.Ack)
		return
	}

	result := p.dispatcher.Dispatch(ctx, msg)
	p.stats.recordDispatch(result.Err, p.clock.Now())

	if result.Outcome == DispatchAck {
		p.settle(ctx, delivery.Ack)
		return
	}

	p.logger.Error("dispatch failed", result.Err, logging.LogFields{
		"path":             p.path,
		"message_id":       msg.ID,
		"delivery_attempt": msg.DeliveryAttempt,
	})
	if err := delivery.Nack(ctx, result.Err); err != nil {
		p.logger.Error("nack failed", err, logging.LogFields{"path": p.path, "message_id": msg.ID})
	}
}

func (p *pump) forward(ctx context.Context, msg *transport.Message, reason string) {
	if p.deadLetter == nil {
		return
	}
	if err := p.deadLetter(ctx, msg, reason); err != nil {
		p.logger.Error("dead-letter forward failed", err, logging.LogFields{
			"path":       p.path,
			"message_id": msg.ID,
		})
		return
	}
	p.stats.recordDeadLetter()
}

func (p *pump) settle(ctx context.Context, ack func(context.Context) error) {
	if err := ack(ctx); err != nil {
		p.logger.Error("ack failed", err, logging.LogFields{"path": p.path})
	}
}

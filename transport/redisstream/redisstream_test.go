package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nimbusmq/nimbus/transport"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, Config{Consumer: "testapp.i1"}, nil)
}

func newMessage(id string) *transport.Message {
	msg := &transport.Message{
		ID:              id,
		Payload:         []byte(`{"id":7}`),
		EnqueuedTimeUTC: time.Unix(1700000000, 0).UTC(),
		ExpiresAfter:    time.Minute,
	}
	msg.SetProperty(transport.PropMessageType, "orders.PlaceOrder")
	return msg
}

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t)
	ctx := context.Background()

	if err := d.CreateQueue(ctx, "orders", transport.QueueDescriptor{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sender, err := d.QueueSender("orders")
	if err != nil {
		t.Fatalf("queue sender: %v", err)
	}
	if err := sender.Send(ctx, newMessage("m1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	receiver, err := d.QueueReceiver("orders")
	if err != nil {
		t.Fatalf("queue receiver: %v", err)
	}
	defer receiver.Close()

	delivery, err := receiver.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	msg := delivery.Message()
	if msg.ID != "m1" {
		t.Fatalf("unexpected id: %q", msg.ID)
	}
	if msg.Property(transport.PropMessageType) != "orders.PlaceOrder" {
		t.Fatalf("property lost: %q", msg.Property(transport.PropMessageType))
	}
	if msg.DeliveryAttempt != 1 {
		t.Fatalf("unexpected attempt: %d", msg.DeliveryAttempt)
	}
	if msg.ExpiresAfter != time.Minute {
		t.Fatalf("expiry lost: %v", msg.ExpiresAfter)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestCreateQueueAlreadyExists(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t)
	ctx := context.Background()

	if err := d.CreateQueue(ctx, "orders", transport.QueueDescriptor{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := d.CreateQueue(ctx, "orders", transport.QueueDescriptor{}); !errors.Is(err, transport.ErrEntityExists) {
		t.Fatalf("expected entity-exists, got %v", err)
	}

	ok, err := d.QueueExists(ctx, "orders")
	if err != nil || !ok {
		t.Fatalf("queue should exist: %v %v", ok, err)
	}
}

func TestNackRedeliversWithBumpedAttempt(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t)
	ctx := context.Background()

	_ = d.CreateQueue(ctx, "orders", transport.QueueDescriptor{})
	sender, _ := d.QueueSender("orders")
	if err := sender.Send(ctx, newMessage("m1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	receiver, _ := d.QueueReceiver("orders")
	defer receiver.Close()

	first, err := receiver.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := first.Nack(ctx, errors.New("handler failed")); err != nil {
		t.Fatalf("nack: %v", err)
	}

	second, err := receiver.Receive(ctx)
	if err != nil {
		t.Fatalf("redelivery receive: %v", err)
	}
	if second.Message().DeliveryAttempt != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Message().DeliveryAttempt)
	}
}

func TestSubscriptionsSeeEveryTopicMessage(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t)
	ctx := context.Background()

	if err := d.CreateTopic(ctx, "orders.placed"); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	for _, name := range []string{"billing", "shipping"} {
		if err := d.CreateSubscription(ctx, "orders.placed", name, transport.SubscriptionDescriptor{}); err != nil {
			t.Fatalf("create subscription %s: %v", name, err)
		}
	}

	sender, _ := d.TopicSender("orders.placed")
	if err := sender.Send(ctx, newMessage("m1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, name := range []string{"billing", "shipping"} {
		receiver, err := d.SubscriptionReceiver("orders.placed", name)
		if err != nil {
			t.Fatalf("subscription receiver %s: %v", name, err)
		}
		delivery, err := receiver.Receive(ctx)
		if err != nil {
			t.Fatalf("receive on %s: %v", name, err)
		}
		if delivery.Message().ID != "m1" {
			t.Fatalf("unexpected message on %s: %q", name, delivery.Message().ID)
		}
		_ = delivery.Ack(ctx)
		_ = receiver.Close()
	}
}

func TestListEntities(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t)
	ctx := context.Background()

	_ = d.CreateQueue(ctx, "q1", transport.QueueDescriptor{})
	_ = d.CreateTopic(ctx, "t1")
	_ = d.CreateSubscription(ctx, "t1", "s1", transport.SubscriptionDescriptor{})

	queues, err := d.ListQueues(ctx)
	if err != nil || len(queues) != 1 {
		t.Fatalf("unexpected queues: %v %v", queues, err)
	}
	topics, err := d.ListTopics(ctx)
	if err != nil || len(topics) != 1 {
		t.Fatalf("unexpected topics: %v %v", topics, err)
	}
	subs, err := d.ListSubscriptions(ctx)
	if err != nil || len(subs) != 1 || subs[0].Key() != "t1/s1" {
		t.Fatalf("unexpected subscriptions: %v %v", subs, err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	msg := newMessage("m1")
	msg.CorrelationID = "corr-1"
	msg.ReplyTo = "replies.app.i1"
	msg.SetDeliveryAttempt(2)

	decoded := decodeMessage(encodeMessage(msg))

	if decoded.ID != msg.ID || decoded.CorrelationID != "corr-1" || decoded.ReplyTo != "replies.app.i1" {
		t.Fatalf("identity fields lost: %+v", decoded)
	}
	if decoded.DeliveryAttempt != 2 {
		t.Fatalf("attempt lost: %d", decoded.DeliveryAttempt)
	}
	if decoded.Property(transport.PropMessageType) != "orders.PlaceOrder" {
		t.Fatalf("properties lost: %+v", decoded.Properties)
	}
	if !decoded.EnqueuedTimeUTC.Equal(msg.EnqueuedTimeUTC) {
		t.Fatalf("enqueued time lost: %v", decoded.EnqueuedTimeUTC)
	}
}

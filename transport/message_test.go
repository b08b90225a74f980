package transport

import (
	"testing"
	"time"
)

func TestMessageClone(t *testing.T) {
	t.Parallel()

	msg := &Message{ID: "m1", Payload: []byte("body")}
	msg.SetProperty(PropMessageType, "orders.PlaceOrder")

	clone := msg.Clone()
	clone.SetProperty(PropMessageType, "changed")
	clone.Payload[0] = 'X'

	if msg.Property(PropMessageType) != "orders.PlaceOrder" {
		t.Fatal("clone aliased the properties map")
	}
	if string(msg.Payload) != "body" {
		t.Fatal("clone aliased the payload")
	}
}

func TestSetDeliveryAttemptUpdatesWireProperty(t *testing.T) {
	t.Parallel()

	msg := &Message{}
	msg.SetDeliveryAttempt(3)

	if msg.DeliveryAttempt != 3 {
		t.Fatalf("unexpected attempt: %d", msg.DeliveryAttempt)
	}
	if msg.Property(PropDeliveryAttempt) != "3" {
		t.Fatalf("wire property not updated: %q", msg.Property(PropDeliveryAttempt))
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	msg := &Message{EnqueuedTimeUTC: base, ExpiresAfter: time.Minute}

	if msg.Expired(base.Add(30 * time.Second)) {
		t.Fatal("message expired too early")
	}
	if !msg.Expired(base.Add(2 * time.Minute)) {
		t.Fatal("message should have expired")
	}

	unbounded := &Message{EnqueuedTimeUTC: base}
	if unbounded.Expired(base.Add(24 * time.Hour)) {
		t.Fatal("zero ExpiresAfter must disable expiry")
	}
}

func TestSubscriptionKey(t *testing.T) {
	t.Parallel()

	s := Subscription{Topic: "orders.placed", Name: "billing"}
	if s.Key() != "orders.placed/billing" {
		t.Fatalf("unexpected key: %q", s.Key())
	}
}

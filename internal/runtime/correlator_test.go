package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimbusmq/nimbus/internal/runtime/clock"
	errspkg "github.com/nimbusmq/nimbus/internal/runtime/errors"
	jsoncodec "github.com/nimbusmq/nimbus/internal/runtime/jsoncodec"
	"github.com/nimbusmq/nimbus/internal/runtime/logging"
	"github.com/nimbusmq/nimbus/transport"
)

func newTestCorrelator() (*Correlator, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	return NewCorrelator(clk, logging.Noop()), clk
}

func replyFor(requestID string) *transport.Message {
	msg := &transport.Message{ID: "reply-" + requestID, CorrelationID: requestID}
	msg.Payload = []byte(`{"id":42}`)
	return msg
}

func TestCorrelationRoundTrip(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(time.Minute))

	if !c.TryComplete(replyFor("req-1")) {
		t.Fatal("reply should complete the request")
	}

	reply, err := handle.WaitForResponse(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.CorrelationID != "req-1" {
		t.Fatalf("unexpected correlation id: %q", reply.CorrelationID)
	}
}

func TestCompletionIsSingleShot(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(time.Minute))

	if !c.TryComplete(replyFor("req-1")) {
		t.Fatal("first completion should succeed")
	}
	if c.TryComplete(replyFor("req-1")) {
		t.Fatal("second completion should be dropped")
	}

	if _, err := handle.WaitForResponse(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnmatchedReplyIsDropped(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	if c.TryComplete(replyFor("nobody-home")) {
		t.Fatal("unmatched reply must be dropped silently")
	}
}

func TestReaperTimesOutExpiredRequests(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(200*time.Millisecond))

	clk.Advance(time.Second)
	c.reapOnce()

	_, err := handle.WaitForResponse(context.Background())
	if !errors.Is(err, errspkg.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The record is gone; a late reply is dropped.
	if c.TryComplete(replyFor("req-1")) {
		t.Fatal("late reply must be dropped")
	}
}

func TestFaultedReplyFailsTheRequest(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(time.Minute))

	payload, _ := jsoncodec.Marshal(FaultPayload{Message: "remote exploded"})
	fault := &transport.Message{ID: "reply-1", CorrelationID: "req-1", Payload: payload}
	fault.SetProperty(transport.PropFaulted, "true")

	if !c.TryComplete(fault) {
		t.Fatal("faulted reply should complete the request")
	}

	_, err := handle.WaitForResponse(context.Background())
	var remote *errspkg.RemoteFaultError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteFaultError, got %v", err)
	}
	if remote.Message != "remote exploded" {
		t.Fatalf("remote error data lost: %q", remote.Message)
	}
}

func TestCancelAbandonsTheRequest(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handle.WaitForResponse(ctx)
	if !errors.Is(err, errspkg.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if c.TryComplete(replyFor("req-1")) {
		t.Fatal("cancelled request must not accept replies")
	}
}

func TestMulticastCollectsStreamOfReplies(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordMulticastRequest("req-1", clk.Now().Add(500*time.Millisecond))

	first := replyFor("req-1")
	second := replyFor("req-1")
	second.ID = "reply-2"

	if !c.TryComplete(first) || !c.TryComplete(second) {
		t.Fatal("both replies should be accepted")
	}

	// Close the window.
	clk.Advance(time.Second)
	c.reapOnce()

	replies, err := handle.WaitForResponses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
}

func TestMulticastWithNoRepliesReturnsEmpty(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordMulticastRequest("req-1", clk.Now().Add(100*time.Millisecond))

	clk.Advance(time.Second)
	c.reapOnce()

	replies, err := handle.WaitForResponses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(replies) != 0 {
		t.Fatalf("expected no replies, got %d", len(replies))
	}
}

func TestStopCancelsOutstandingRequests(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	handle := c.RecordRequest("req-1", clk.Now().Add(time.Minute))

	c.Stop()

	_, err := handle.WaitForResponse(context.Background())
	if !errors.Is(err, errspkg.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

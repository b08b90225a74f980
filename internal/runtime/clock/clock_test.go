package clock

import (
	"context"
	"testing"
	"time"
)

func TestManualAfter(t *testing.T) {
	t.Parallel()

	c := NewManual(time.Unix(1000, 0))
	ch := c.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case now := <-ch:
		if !now.Equal(time.Unix(1005, 0).UTC()) {
			t.Fatalf("unexpected fire time: %v", now)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()

	c := NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, c, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSystemNowIsUTC(t *testing.T) {
	t.Parallel()

	if zone, _ := System().Now().Zone(); zone != "UTC" {
		t.Fatalf("expected UTC, got %s", zone)
	}
}

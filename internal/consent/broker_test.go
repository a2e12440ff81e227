package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/govd/govd/internal/event"
)

func TestParkIsIdempotentPerEventID(t *testing.T) {
	b := New(time.Minute, time.Minute, 0, nil)
	defer b.Close()

	t1, err := b.Park("ev1", "agent-a", time.Time{})
	if err != nil {
		t.Fatalf("Park: %v", err)
	}
	t2, err := b.Park("ev1", "agent-a", time.Time{})
	if err != nil {
		t.Fatalf("Park (repeat): %v", err)
	}
	if t1 != t2 {
		t.Fatalf("expected repeat Park to return the same ticket")
	}
}

func TestWaitReturnsDecidedVerdict(t *testing.T) {
	b := New(time.Minute, time.Minute, 0, nil)
	defer b.Close()

	if _, err := b.Park("ev1", "agent-a", time.Time{}); err != nil {
		t.Fatalf("Park: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if _, err := b.Decide("ev1", event.StatusAllow, nil, ""); err != nil {
			t.Errorf("Decide: %v", err)
		}
	}()

	verdict, err := b.Wait(context.Background(), "ev1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if verdict.Status != event.StatusAllow {
		t.Fatalf("expected allow, got %s", verdict.Status)
	}
}

func TestMultipleWaitersSeeSameVerdict(t *testing.T) {
	b := New(time.Minute, time.Minute, 0, nil)
	defer b.Close()

	if _, err := b.Park("ev1", "agent-a", time.Time{}); err != nil {
		t.Fatalf("Park: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]event.Status, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Wait(context.Background(), "ev1")
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			results[i] = v.Status
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := b.Decide("ev1", event.StatusBlock, nil, "denied"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	wg.Wait()

	for i, s := range results {
		if s != event.StatusBlock {
			t.Fatalf("waiter %d got %s, want block", i, s)
		}
	}
}

func TestDecideIsExclusive(t *testing.T) {
	b := New(time.Minute, time.Minute, 0, nil)
	defer b.Close()

	if _, err := b.Park("ev1", "agent-a", time.Time{}); err != nil {
		t.Fatalf("Park: %v", err)
	}
	v1, err := b.Decide("ev1", event.StatusAllow, nil, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	v2, err := b.Decide("ev1", event.StatusBlock, nil, "too late")
	if err != nil {
		t.Fatalf("Decide (second): %v", err)
	}
	if v2.Status != v1.Status {
		t.Fatalf("second Decide changed the verdict: got %s, want original %s", v2.Status, v1.Status)
	}
}

func TestTicketTimesOut(t *testing.T) {
	b := New(20*time.Millisecond, time.Minute, 0, nil)
	defer b.Close()

	if _, err := b.Park("ev1", "agent-a", time.Time{}); err != nil {
		t.Fatalf("Park: %v", err)
	}

	verdict, err := b.Wait(context.Background(), "ev1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if verdict.Status != event.StatusBlock || verdict.Reason != "timeout" {
		t.Fatalf("expected block/timeout, got %+v", verdict)
	}
}

func TestParkRejectsOverload(t *testing.T) {
	b := New(time.Minute, time.Minute, 1, nil)
	defer b.Close()

	if _, err := b.Park("ev1", "agent-a", time.Time{}); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if _, err := b.Park("ev2", "agent-a", time.Time{}); err != ErrOverload {
		t.Fatalf("expected ErrOverload, got %v", err)
	}
}

func TestWaitUnknownTicket(t *testing.T) {
	b := New(time.Minute, time.Minute, 0, nil)
	defer b.Close()

	if _, err := b.Wait(context.Background(), "nope"); err != ErrUnknownTicket {
		t.Fatalf("expected ErrUnknownTicket, got %v", err)
	}
}

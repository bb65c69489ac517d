package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehrlich-b/perch/internal/engine"
)

func TestQueueBufferedOrder(t *testing.T) {
	q := NewQueue()
	q.Push(engine.Turn{Text: "a"})
	q.Push(engine.Turn{Text: "b"})

	for _, want := range []string{"a", "b"} {
		turn, ok, err := q.Next(context.Background())
		if err != nil || !ok {
			t.Fatalf("next: ok=%v err=%v", ok, err)
		}
		if turn.Text != want {
			t.Errorf("got %q, want %q", turn.Text, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("len = %d", q.Len())
	}
}

func TestQueueDeliversToWaiter(t *testing.T) {
	q := NewQueue()
	got := make(chan engine.Turn, 1)
	go func() {
		turn, ok, err := q.Next(context.Background())
		if err != nil || !ok {
			t.Errorf("next: ok=%v err=%v", ok, err)
		}
		got <- turn
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(engine.Turn{Text: "live"})
	select {
	case turn := <-got:
		if turn.Text != "live" {
			t.Errorf("got %q", turn.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestQueueEnd(t *testing.T) {
	q := NewQueue()
	q.Push(engine.Turn{Text: "last"})
	q.End()
	q.End() // idempotent

	// Buffered items drain before the end signal.
	if _, ok, err := q.Next(context.Background()); !ok || err != nil {
		t.Fatalf("buffered item lost: ok=%v err=%v", ok, err)
	}
	if _, ok, err := q.Next(context.Background()); ok || err != nil {
		t.Fatalf("after end: ok=%v err=%v", ok, err)
	}
	// Push after End is dropped.
	q.Push(engine.Turn{Text: "late"})
	if q.Len() != 0 {
		t.Errorf("late push was buffered")
	}
}

func TestQueueEndWakesWaiter(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		_, ok, err := q.Next(context.Background())
		if ok || err != nil {
			t.Errorf("next after end: ok=%v err=%v", ok, err)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.End()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestQueueSecondPullRejected(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		q.Next(ctx)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	if _, _, err := q.Next(context.Background()); !errors.Is(err, ErrPullInFlight) {
		t.Fatalf("err = %v, want ErrPullInFlight", err)
	}
}

func TestQueueNextCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The waiter slot is released; a later push buffers normally.
	q.Push(engine.Turn{Text: "x"})
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}
}

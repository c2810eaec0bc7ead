package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := New(Options{BatchSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, p := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, "topic", []byte(p)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	got := make(chan string, 3)
	go bus.Subscribe(ctx, "topic", func(ctx context.Context, batch []ports.Delivery) []string {
		if len(batch) > 2 {
			t.Errorf("batch size = %d, want <= 2", len(batch))
		}
		for _, d := range batch {
			got <- string(d.Payload)
		}
		return nil
	})

	for _, want := range []string{"a", "b", "c"} {
		select {
		case p := <-got:
			if p != want {
				t.Errorf("payload = %q, want %q", p, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestBus_Redelivery(t *testing.T) {
	bus := New(Options{MaxAttempts: 3, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	go bus.Subscribe(ctx, "topic", func(ctx context.Context, batch []ports.Delivery) []string {
		mu.Lock()
		defer mu.Unlock()
		var redeliver []string
		for _, d := range batch {
			attempts = append(attempts, d.Attempt)
			redeliver = append(redeliver, d.ID)
			if d.Attempt == 3 {
				close(done)
			}
		}
		return redeliver
	})

	if err := bus.Publish(ctx, "topic", []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	// Give a fourth delivery a chance to show up; there must not be one.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestBus_CloseStopsSubscribers(t *testing.T) {
	bus := New(Options{})
	errc := make(chan error, 1)
	go func() {
		errc <- bus.Subscribe(context.Background(), "topic", func(ctx context.Context, batch []ports.Delivery) []string { return nil })
	}()

	bus.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
	if err := bus.Publish(context.Background(), "topic", nil); err != ErrClosed {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
}

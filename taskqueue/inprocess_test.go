package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestInProcessRuntime_DeliversPayload(t *testing.T) {
	rt := NewInProcessRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 1)
	go func() {
		_ = rt.Subscribe(ctx, "q", func(ctx context.Context, payload []byte) error {
			got <- payload
			return nil
		})
	}()

	taskId, err := rt.Submit(ctx, "q", []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if taskId == "" {
		t.Fatal("expected a task id")
	}

	select {
	case payload := <-got:
		if string(payload) != `{"id":1}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the payload")
	}
}

func TestInProcessRuntime_RetriesUntilSuccess(t *testing.T) {
	rt := NewInProcessRuntime()
	rt.BaseBackoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = rt.Subscribe(ctx, "q", func(ctx context.Context, payload []byte) error {
			n := attempts.Add(1)
			if n < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	if _, err := rt.Submit(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected success on attempt 3, attempts=%d", attempts.Load())
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestInProcessRuntime_DropsAfterMaxAttempts(t *testing.T) {
	rt := NewInProcessRuntime()
	rt.BaseBackoff = time.Millisecond
	rt.MaxAttempts = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go func() {
		_ = rt.Subscribe(ctx, "q", func(ctx context.Context, payload []byte) error {
			attempts.Add(1)
			return errors.New("always failing")
		})
	}()

	if _, err := rt.Submit(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	rt.Drain()
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected exactly MaxAttempts=2 attempts, got %d", got)
	}
}

func TestInProcessRuntime_QueuesAreIsolated(t *testing.T) {
	rt := NewInProcessRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan struct{}, 1)
	go func() {
		_ = rt.Subscribe(ctx, "a", func(ctx context.Context, payload []byte) error {
			gotA <- struct{}{}
			return nil
		})
	}()

	// No subscriber on "b"; its message must not reach queue "a".
	if _, err := rt.Submit(ctx, "b", []byte("x")); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if _, err := rt.Submit(ctx, "a", []byte("y")); err != nil {
		t.Fatalf("Submit a: %v", err)
	}

	select {
	case <-gotA:
	case <-time.After(2 * time.Second):
		t.Fatal("queue a never delivered")
	}
	select {
	case <-gotA:
		t.Fatal("queue a received more than one delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

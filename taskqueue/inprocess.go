package taskqueue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InProcessRuntime is a broker-free Runtime for local development and tests.
// Failed deliveries are retried with exponential backoff up to MaxAttempts,
// then dropped. The persisted job/email row keeps the terminal truth, so a
// dropped task is recoverable by the reconciliation sweep.
type InProcessRuntime struct {
	MaxAttempts int
	BaseBackoff time.Duration

	mu     sync.Mutex
	queues map[string]chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	payload []byte
	attempt int
}

func NewInProcessRuntime() *InProcessRuntime {
	return &InProcessRuntime{
		MaxAttempts: 3,
		BaseBackoff: 50 * time.Millisecond,
		queues:      map[string]chan delivery{},
	}
}

func (r *InProcessRuntime) queue(name string) chan delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = make(chan delivery, 1024)
		r.queues[name] = q
	}
	return q
}

func (r *InProcessRuntime) Submit(ctx context.Context, queue string, payload []byte) (string, error) {
	select {
	case r.queue(queue) <- delivery{payload: payload, attempt: 1}:
		return uuid.NewString(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *InProcessRuntime) Subscribe(ctx context.Context, queue string, h Handler) error {
	q := r.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			if err := h(ctx, d.payload); err != nil && d.attempt < r.MaxAttempts {
				r.redeliver(ctx, q, d)
			}
		}
	}
}

func (r *InProcessRuntime) redeliver(ctx context.Context, q chan delivery, d delivery) {
	backoff := time.Duration(float64(r.BaseBackoff) * math.Pow(2, float64(d.attempt-1)))
	next := delivery{payload: d.payload, attempt: d.attempt + 1}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			select {
			case q <- next:
			case <-ctx.Done():
			}
		}
	}()
}

// Drain waits for pending redeliveries. Tests only.
func (r *InProcessRuntime) Drain() {
	r.wg.Wait()
}

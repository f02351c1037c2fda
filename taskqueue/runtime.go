// Package taskqueue is the distributed task substrate shared by the import and
// email workers. A Runtime routes opaque payloads through named queues; workers
// subscribe per queue. Delivery is at-least-once; handlers must be idempotent.
package taskqueue

import "context"

// Handler processes one task delivery. A non-nil error nacks the delivery and
// the runtime re-delivers it after its own backoff, up to its retry policy.
type Handler func(ctx context.Context, payload []byte) error

type Runtime interface {
	// Submit enqueues one task and returns an opaque task handle.
	Submit(ctx context.Context, queue string, payload []byte) (string, error)

	// Subscribe consumes the named queue until ctx is done.
	Subscribe(ctx context.Context, queue string, h Handler) error
}

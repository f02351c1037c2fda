package taskqueue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/sirupsen/logrus"
)

// PubSubRuntime maps each named queue onto a Pub/Sub topic plus one pull
// subscription ("<queue>-sub"). Per-queue retention acts as the message TTL.
type PubSubRuntime struct {
	Logger *logrus.Logger

	// Retention per queue name; zero means broker default.
	Retention map[string]time.Duration

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubRuntime(logger *logrus.Logger, retention map[string]time.Duration) *PubSubRuntime {
	return &PubSubRuntime{
		Logger:    logger,
		Retention: retention,
		topics:    map[string]*pubsub.Topic{},
	}
}

func (r *PubSubRuntime) topic(ctx context.Context, queue string) (*pubsub.Topic, error) {
	r.mu.Lock()
	if t, ok := r.topics[queue]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	client, err := config.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	var t *pubsub.Topic
	if envBoolDefault("PUBSUB_CREATE_TOPOLOGY", false) {
		t, err = config.CreateTopicIfNotExists(client, queue)
		if err != nil {
			return nil, err
		}
	} else {
		t = client.Topic(queue)
	}

	r.mu.Lock()
	r.topics[queue] = t
	r.mu.Unlock()
	return t, nil
}

func (r *PubSubRuntime) Submit(ctx context.Context, queue string, payload []byte) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("queue is required")
	}
	t, err := r.topic(ctx, queue)
	if err != nil {
		return "", err
	}
	res := t.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %q: %w", queue, err)
	}
	return id, nil
}

func (r *PubSubRuntime) Subscribe(ctx context.Context, queue string, h Handler) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic, err := r.topic(ctx, queue)
	if err != nil {
		return err
	}

	subName := queue + "-sub"
	var sub *pubsub.Subscription
	if envBoolDefault("PUBSUB_CREATE_TOPOLOGY", false) {
		sub, err = config.CreateSubscriptionIfNotExists(client, subName, topic, r.Retention[queue])
		if err != nil {
			return err
		}
	} else {
		sub = client.Subscription(subName)
	}

	// Each record is handled start-to-finish by one invocation at a time;
	// cross-record concurrency comes from the receiver pool.
	sub.ReceiveSettings.MaxOutstandingMessages = envIntDefault("PUBSUB_MAX_OUTSTANDING", 10)

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := h(ctx, m.Data); err != nil {
			if r.Logger != nil {
				r.Logger.WithFields(logrus.Fields{
					"module":     "taskqueue",
					"queue":      queue,
					"message_id": m.ID,
				}).Error("task handler failed, nacking: " + err.Error())
			}
			m.Nack()
			return
		}
		m.Ack()
	})
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

package ports

import "context"

// Bus topics.
const (
	TopicOrchestration = "orchestration"
	TopicFinalResult   = "final-result"
	TopicTransient     = "transient"
)

// Delivery is one bus message handed to a subscriber.
type Delivery struct {
	ID      string
	Topic   string
	Payload []byte
	// Attempt starts at 1 and grows on each redelivery.
	Attempt int
}

// BatchHandler processes a batch of deliveries and returns the IDs that
// should be redelivered. Every other delivery in the batch is acknowledged.
type BatchHandler func(ctx context.Context, batch []Delivery) (redeliver []string)

// Publisher appends messages to a topic. Delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber consumes a topic until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler BatchHandler) error
}

// Bus combines both sides.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

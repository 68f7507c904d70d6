package loadgen

import (
	"context"
)

// PayloadGenerator creates the payload for the next message of a source.
// It is passed the source so source-specific data (like its ID) can be included.
type PayloadGenerator interface {
	GeneratePayload(source *Source) ([]byte, error)
}

// Publisher sends one message to a queue and returns the message ID the
// queue assigned. queuepoller.MemoryQueue and queuepoller.RedisQueue satisfy
// it directly; TopicPublisher adapts a Pub/Sub topic.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
}

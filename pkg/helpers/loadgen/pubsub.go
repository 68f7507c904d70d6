package loadgen

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// TopicPublisher publishes to a Pub/Sub topic and waits for each result.
type TopicPublisher struct {
	topic *pubsub.Topic
}

// NewTopicPublisher wraps topic. The caller owns the topic and stops it.
func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

// Publish implements Publisher.
func (p *TopicPublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish to topic %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

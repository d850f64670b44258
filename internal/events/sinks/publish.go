package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawld/internal/events"
)

// Publisher sends a payload to a named topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// PublishSink publishes each event to a single topic.
type PublishSink struct {
	pub   Publisher
	topic string
}

// NewPublishSink publishes to topic through pub. Closing the sink closes pub.
func NewPublishSink(pub Publisher, topic string) *PublishSink {
	return &PublishSink{pub: pub, topic: topic}
}

// Name implements events.Sink.
func (s *PublishSink) Name() string { return "publish" }

// Consume publishes a copy of the event.
func (s *PublishSink) Consume(ctx context.Context, evt *events.Event) error {
	if _, err := s.pub.Publish(ctx, s.topic, *evt); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// Close releases the underlying publisher.
func (s *PublishSink) Close(context.Context) error {
	if err := s.pub.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}

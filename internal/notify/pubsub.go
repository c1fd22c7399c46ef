package notify

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"

	"github.com/snapvault/backend/internal/obs"
)

// pubsubPublisherAPI abstracts *pubsub.Publisher for testing.
type pubsubPublisherAPI interface {
	Publish(ctx context.Context, msg *pubsub.Message) pubsubPublishResult
	Stop()
}

// pubsubPublishResult abstracts *pubsub.PublishResult for testing.
type pubsubPublishResult interface {
	Get(ctx context.Context) (serverID string, err error)
}

// realPubsubPublisher wraps *pubsub.Publisher to implement
// pubsubPublisherAPI.
type realPubsubPublisher struct {
	publisher *pubsub.Publisher
}

//nolint:ireturn // Interface required by pubsubPublisherAPI
func (r *realPubsubPublisher) Publish(ctx context.Context, msg *pubsub.Message) pubsubPublishResult {
	return r.publisher.Publish(ctx, msg)
}

func (r *realPubsubPublisher) Stop() {
	r.publisher.Stop()
}

// PubSubPublisher publishes notifications to a Google Pub/Sub topic with
// per-user ordering keys. Message ordering must be enabled on the
// subscription for the ordering key to take effect.
type PubSubPublisher struct {
	publisher pubsubPublisherAPI
	topic     string
	logger    obs.Logger
}

// PubSubOption configures a PubSubPublisher.
type PubSubOption func(*PubSubPublisher)

// WithPubSubPublisherAPI injects a custom topic publisher. Useful for
// testing.
func WithPubSubPublisherAPI(api pubsubPublisherAPI) PubSubOption {
	return func(p *PubSubPublisher) {
		p.publisher = api
	}
}

// NewPubSubPublisher creates a publisher for the given topic.
func NewPubSubPublisher(client *pubsub.Client, topic string, logger obs.Logger, opts ...PubSubOption) (*PubSubPublisher, error) {
	if topic == "" {
		return nil, errors.New("pub/sub topic cannot be empty")
	}

	if logger == nil {
		logger = obs.NopLogger{}
	}

	p := &PubSubPublisher{
		topic:  topic,
		logger: logger.WithField("publisher", "pubsub").WithField("topic", topic),
	}

	for _, o := range opts {
		o(p)
	}

	if p.publisher == nil {
		if client == nil {
			return nil, errors.New("pub/sub client cannot be nil")
		}

		publisher := client.Publisher(topic)
		publisher.EnableMessageOrdering = true
		p.publisher = &realPubsubPublisher{publisher: publisher}
	}

	return p, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	res := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        body,
		OrderingKey: msg.GroupID(),
		Attributes:  map[string]string{"dedup_id": msg.DedupID()},
	})

	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish notification for op %s to pub/sub topic %s: %w", msg.OpID, p.topic, err)
	}

	p.logger.WithField("op_id", msg.OpID).Debug("notification published")

	return nil
}

// Close stops the publisher, flushing any pending messages.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return nil
}

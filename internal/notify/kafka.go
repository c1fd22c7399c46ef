package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/snapvault/backend/internal/obs"
)

// kafkaWriter is the subset of *kgo.Writer the publisher uses. Mock it in
// tests.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher publishes notifications to a Kafka topic. The message key
// is the user id, so one user's notifications land on one partition in
// publish order.
type KafkaPublisher struct {
	writer kafkaWriter
	topic  string
	logger obs.Logger
}

// KafkaOption configures a KafkaPublisher.
type KafkaOption func(*KafkaPublisher)

// WithKafkaWriter injects a custom writer. Useful for testing.
func WithKafkaWriter(w kafkaWriter) KafkaOption {
	return func(p *KafkaPublisher) {
		p.writer = w
	}
}

// NewKafkaPublisher creates a publisher writing to topic on the given
// brokers.
func NewKafkaPublisher(brokers []string, topic string, logger obs.Logger, opts ...KafkaOption) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}

	if logger == nil {
		logger = obs.NopLogger{}
	}

	p := &KafkaPublisher{
		topic:  topic,
		logger: logger.WithField("publisher", "kafka").WithField("topic", topic),
	}

	for _, o := range opts {
		o(p)
	}

	if p.writer == nil {
		if len(brokers) == 0 {
			return nil, errors.New("kafka brokers cannot be empty")
		}

		p.writer = &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireAll,
		}
	}

	return p, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kgo.Message{
		Key:   []byte(msg.GroupID()),
		Value: body,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification for op %s to kafka topic %s: %w", msg.OpID, p.topic, err)
	}

	p.logger.WithField("op_id", msg.OpID).Debug("notification published")

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

package messagepipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Attribute names carried by dead-lettered messages.
const (
	DeadLetterAttrTopic     = "source_topic"
	DeadLetterAttrPartition = "source_partition"
	DeadLetterAttrOffset    = "source_offset"
	DeadLetterAttrReason    = "reason"
)

// SimplePublisher defines a generic, direct publisher interface.
// It is used for dead-lettering invalid records, where batching is not
// required but the publish must be confirmed before the caller moves on.
type SimplePublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	Stop()
}

// GoogleSimplePublisher implements a direct-to-Pub/Sub publisher.
type GoogleSimplePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGoogleSimplePublisher creates a new simple, non-batching publisher.
func NewGoogleSimplePublisher(client *pubsub.Client, topicID string, logger zerolog.Logger) (SimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)
	return &GoogleSimplePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish sends a single message to Pub/Sub and waits for the server to confirm it.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish dead-letter message: %w", err)
	}
	p.logger.Info().Str("dlt_msg_id", msgID).Msg("Message successfully sent to dead-letter topic.")
	return nil
}

// Stop flushes any pending messages for the topic.
func (p *GoogleSimplePublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// KafkaSimplePublisher dead-letters records to a Kafka topic. Attributes
// are written as record headers.
type KafkaSimplePublisher struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewKafkaSimplePublisher creates a publisher writing to topic. The client
// is owned by the caller.
func NewKafkaSimplePublisher(client *kgo.Client, topic string, logger zerolog.Logger) (SimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("kafka client cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("dead-letter topic cannot be empty")
	}
	return &KafkaSimplePublisher{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "KafkaSimplePublisher").Str("topic", topic).Logger(),
	}, nil
}

// Publish produces one record and waits for it to be acknowledged.
func (p *KafkaSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	rec := &kgo.Record{Topic: p.topic, Value: payload}
	for k, v := range attributes {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish dead-letter record: %w", err)
	}
	p.logger.Info().Int32("partition", rec.Partition).Int64("offset", rec.Offset).Msg("Record successfully sent to dead-letter topic.")
	return nil
}

// Stop is a no-op: the client belongs to the caller.
func (p *KafkaSimplePublisher) Stop() {}

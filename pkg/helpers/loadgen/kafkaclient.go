package loadgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaClient implements the Client interface for a Kafka ingest topic.
// Records are keyed by org so an org's metrics stay on one partition.
type KafkaClient struct {
	brokers []string
	topic   string
	client  *kgo.Client
	logger  zerolog.Logger
}

// NewKafkaClient creates a new Kafka client. The connection is made by Connect.
func NewKafkaClient(brokers []string, topic string, logger zerolog.Logger) Client {
	return &KafkaClient{
		brokers: brokers,
		topic:   topic,
		logger:  logger.With().Str("component", "LoadgenKafkaClient").Str("topic", topic).Logger(),
	}
}

// Connect creates the franz-go client and checks a broker is reachable.
func (c *KafkaClient) Connect(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.DefaultProduceTopic(c.topic),
		kgo.ClientID("indexer-loadgen"),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to reach brokers %v: %w", c.brokers, err)
	}
	c.client = client
	c.logger.Info().Strs("brokers", c.brokers).Msg("Connected to Kafka")
	return nil
}

// Disconnect flushes buffered records and closes the client.
func (c *KafkaClient) Disconnect() {
	if c.client == nil {
		return
	}
	if err := c.client.Flush(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to flush on disconnect")
	}
	c.client.Close()
	c.client = nil
}

// Publish produces one payload and waits for the broker's acknowledgement.
func (c *KafkaClient) Publish(ctx context.Context, emitter *Emitter) error {
	if c.client == nil {
		return errors.New("kafka client is not connected")
	}
	payload, err := emitter.PayloadGenerator.GeneratePayload(emitter)
	if err != nil {
		return fmt.Errorf("failed to generate payload: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(strconv.FormatInt(emitter.OrgID, 10)),
		Value: payload,
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", c.topic, err)
	}
	return nil
}

package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducerConfig holds configuration for a Kafka producer.
type KafkaProducerConfig struct {
	Brokers  []string
	ClientID string
	Linger   time.Duration
	// MaxBufferedRecords bounds records buffered by the client.
	MaxBufferedRecords int
}

// KafkaProducer publishes records through a franz-go client.
type KafkaProducer struct {
	client *kgo.Client
	owned  bool
	logger zerolog.Logger
}

// NewKafkaProducer creates a producer with its own client.
func NewKafkaProducer(cfg *KafkaProducerConfig, logger zerolog.Logger) (*KafkaProducer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.MaxBufferedRecords > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBufferedRecords))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer client: %w", err)
	}
	logger.Info().Strs("brokers", cfg.Brokers).Msg("Kafka producer created.")
	return &KafkaProducer{
		client: client,
		owned:  true,
		logger: logger.With().Str("component", "KafkaProducer").Logger(),
	}, nil
}

// NewKafkaProducerFromClient wraps an existing client. The caller keeps
// ownership of it.
func NewKafkaProducerFromClient(client *kgo.Client, logger zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		client: client,
		logger: logger.With().Str("component", "KafkaProducer").Logger(),
	}
}

// Produce publishes payload to topic asynchronously.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, payload types.KafkaPayload, onAck func(error)) {
	p.client.Produce(ctx, toRecord(topic, payload), func(_ *kgo.Record, err error) {
		onAck(err)
	})
}

// Close flushes buffered records and closes the client if this producer created it.
func (p *KafkaProducer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Failed to flush kafka producer.")
	}
	if p.owned {
		p.client.Close()
		p.logger.Info().Msg("Kafka producer closed.")
	}
}

func toRecord(topic string, payload types.KafkaPayload) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Key: payload.Key, Value: payload.Value}
	for _, h := range payload.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return rec
}

package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// GooglePubsubProducerConfig holds configuration for the Google Pub/Sub producer.
type GooglePubsubProducerConfig struct {
	BatchSize  int
	BatchDelay time.Duration
	// CheckTopics verifies that each topic exists the first time it is used.
	CheckTopics bool
}

// GooglePubsubProducer publishes indexed messages to Pub/Sub topics. Each
// publish result is awaited in the background and reported through the ack
// callback, so the producer step only commits what Pub/Sub confirmed.
// Record headers become message attributes and the record key becomes the
// ordering key.
type GooglePubsubProducer struct {
	client *pubsub.Client
	cfg    GooglePubsubProducerConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubsubProducer creates a new GooglePubsubProducer. The client is
// owned by the caller.
func NewGooglePubsubProducer(client *pubsub.Client, cfg *GooglePubsubProducerConfig, logger zerolog.Logger) (*GooglePubsubProducer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for producer")
	}
	if cfg == nil {
		cfg = &GooglePubsubProducerConfig{}
	}
	if cfg.BatchSize <= 0 {
		logger.Warn().Int("batch_size", cfg.BatchSize).Msg("GooglePubsubProducerConfig.BatchSize is non-positive. Defaulting to 100.")
		cfg.BatchSize = 100
	}
	if cfg.BatchDelay < 0 {
		logger.Warn().Dur("invalid_delay", cfg.BatchDelay).Msg("GooglePubsubProducerConfig.BatchDelay is negative. Defaulting to 10ms.")
		cfg.BatchDelay = 10 * time.Millisecond
	}
	return &GooglePubsubProducer{
		client: client,
		cfg:    *cfg,
		logger: logger.With().Str("component", "GooglePubsubProducer").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Produce publishes payload to topicID and reports the result through onAck.
func (p *GooglePubsubProducer) Produce(ctx context.Context, topicID string, payload types.KafkaPayload, onAck func(error)) {
	topic, err := p.topic(ctx, topicID)
	if err != nil {
		onAck(err)
		return
	}

	msg := &pubsub.Message{Data: payload.Value}
	if len(payload.Headers) > 0 {
		msg.Attributes = make(map[string]string, len(payload.Headers))
		for _, h := range payload.Headers {
			msg.Attributes[h.Key] = string(h.Value)
		}
	}
	if len(payload.Key) > 0 {
		msg.OrderingKey = string(payload.Key)
	}

	res := topic.Publish(ctx, msg)
	go func() {
		msgID, err := res.Get(ctx)
		if err != nil {
			p.logger.Error().Err(err).Str("topic_id", topicID).Msg("Failed to get publish result.")
			if msg.OrderingKey != "" {
				topic.ResumePublish(msg.OrderingKey)
			}
			onAck(err)
			return
		}
		p.logger.Debug().Str("topic_id", topicID).Str("pubsub_msg_id", msgID).Msg("Message published successfully and confirmed by Pub/Sub.")
		onAck(nil)
	}()
}

func (p *GooglePubsubProducer) topic(ctx context.Context, topicID string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[topicID]; ok {
		return t, nil
	}

	t := p.client.Topic(topicID)
	if p.cfg.CheckTopics {
		check := func() error {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			exists, err := t.Exists(checkCtx)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("pubsub topic %s does not exist", topicID)
			}
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
			return nil, fmt.Errorf("failed to confirm topic %s: %w", topicID, err)
		}
	}
	t.PublishSettings.CountThreshold = p.cfg.BatchSize
	t.PublishSettings.DelayThreshold = p.cfg.BatchDelay
	t.EnableMessageOrdering = true
	p.topics[topicID] = t
	p.logger.Info().Str("topic_id", topicID).Msg("Pub/Sub output topic ready.")
	return t, nil
}

// Close flushes outstanding messages on every topic used. It does not close
// the injected client.
func (p *GooglePubsubProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.topics {
		t.Stop()
		p.logger.Info().Str("topic_id", id).Msg("Pub/Sub producer topic stopped.")
	}
	p.topics = make(map[string]*pubsub.Topic)
}

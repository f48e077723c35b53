package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/processing"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// newIndexerFactory returns the per-worker indexer factory for the
// configured backend. Each worker gets its own local cache, Redis client and
// Postgres pool. The in-memory store and the Firestore client are shared.
// The returned cleanup releases shared resources once every worker is done.
func newIndexerFactory(ctx context.Context, cfg *configuration.Config, logger zerolog.Logger) (processing.IndexerFactory, func(), error) {
	var shared indexer.Source
	cleanup := func() {}

	switch cfg.IndexerDB {
	case indexer.StorageMock:
		shared = indexer.NewMemoryStore()
	case indexer.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := indexer.NewFirestoreStore(client, &cfg.Firestore, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		shared = store
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close firestore client.")
			}
		}
	case indexer.StoragePostgres:
		store, err := indexer.NewPostgresStore(ctx, &cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		err = store.EnsureSchema(ctx)
		_ = store.Close()
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown indexer storage %q", configuration.ErrInvalidConfig, cfg.IndexerDB)
	}

	var sharedLimiter indexer.WritesLimiter
	if cfg.WritesLimitPerOrg > 0 && cfg.Redis.Addr == "" {
		sharedLimiter = indexer.NewMemoryWritesLimiter(cfg.WritesLimitPerOrg, cfg.WritesLimitWindow)
	}

	factory := func(ctx context.Context, workerID int) (indexer.StringIndexer, error) {
		workerLogger := logger.With().Int("worker_id", workerID).Logger()

		source := shared
		if source == nil {
			store, err := indexer.NewPostgresStore(ctx, &cfg.Postgres, workerLogger)
			if err != nil {
				return nil, err
			}
			source = store
		}

		local, err := indexer.NewLocalCache(cfg.LocalCacheSize, workerLogger)
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		caches := []indexer.Cache{local}
		limiter := sharedLimiter

		if cfg.Redis.Addr != "" {
			rc, err := indexer.NewRedisCache(ctx, &cfg.Redis, workerLogger)
			if err != nil {
				_ = source.Close()
				return nil, err
			}
			caches = append(caches, rc)
			if cfg.WritesLimitPerOrg > 0 {
				limiter = indexer.NewRedisWritesLimiter(rc.Client(), cfg.WritesLimitPerOrg, cfg.WritesLimitWindow)
			}
		}
		return indexer.NewCacheFallbackIndexer(ctx, source, limiter, workerLogger, caches...)
	}
	return factory, cleanup, nil
}

// newOutputProducer builds the producer for unsliced output on the
// configured transport. The returned cleanup flushes and releases it.
func newOutputProducer(ctx context.Context, cfg *configuration.Config, clientID string, logger zerolog.Logger) (messagepipeline.Producer, func(), error) {
	switch cfg.Output.Transport {
	case configuration.OutputKafka:
		p, err := messagepipeline.NewKafkaProducer(&messagepipeline.KafkaProducerConfig{
			Brokers:  cfg.Brokers,
			ClientID: clientID,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case configuration.OutputPubsub:
		client, err := pubsub.NewClient(ctx, cfg.Output.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		p, err := messagepipeline.NewGooglePubsubProducer(client, &messagepipeline.GooglePubsubProducerConfig{
			BatchSize:   cfg.Output.BatchSize,
			BatchDelay:  cfg.Output.BatchDelay,
			CheckTopics: true,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return p, func() {
			p.Close()
			_ = client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown output.transport %q", configuration.ErrInvalidConfig, cfg.Output.Transport)
}

// newDeadLetterPublisher returns nil without a configured dead-letter topic.
func newDeadLetterPublisher(ctx context.Context, cfg *configuration.Config, logger zerolog.Logger) (messagepipeline.SimplePublisher, func(), error) {
	switch cfg.DeadLetter.Kind {
	case configuration.DeadLetterNone:
		return nil, func() {}, nil
	case configuration.DeadLetterKafka:
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ClientID("indexer-dlq-"+cfg.GroupID),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dead-letter client: %w", err)
		}
		pub, err := messagepipeline.NewKafkaSimplePublisher(client, cfg.DeadLetter.Topic, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return pub, func() {
			pub.Stop()
			client.Close()
		}, nil
	case configuration.DeadLetterPubsub:
		client, err := pubsub.NewClient(ctx, cfg.DeadLetter.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		pub, err := messagepipeline.NewGoogleSimplePublisher(client, cfg.DeadLetter.Topic, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return pub, func() {
			pub.Stop()
			_ = client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown dead_letter.kind %q", configuration.ErrInvalidConfig, cfg.DeadLetter.Kind)
}

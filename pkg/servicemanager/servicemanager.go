package servicemanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// KafkaClientFactory opens an admin client for one broker set.
type KafkaClientFactory func(brokers []string) (MessagingClient, error)

// PubsubClientFactory opens a topic client for one Pub/Sub project.
type PubsubClientFactory func(ctx context.Context, projectID string) (MessagingClient, error)

// ServiceManager provisions a ResourcesSpec. Each Kafka cluster and each
// Pub/Sub project are handled concurrently.
type ServiceManager struct {
	kafka  KafkaClientFactory
	pubsub PubsubClientFactory
	logger zerolog.Logger
}

// NewServiceManager creates a ServiceManager. pubsub may be nil when no
// spec it handles names a Pub/Sub project.
func NewServiceManager(kafka KafkaClientFactory, pubsub PubsubClientFactory, logger zerolog.Logger) (*ServiceManager, error) {
	if kafka == nil {
		return nil, errors.New("kafka client factory cannot be nil")
	}
	return &ServiceManager{
		kafka:  kafka,
		pubsub: pubsub,
		logger: logger.With().Str("component", "ServiceManager").Logger(),
	}, nil
}

type topicOperation func(m *MessagingManager, ctx context.Context, topics []TopicConfig) error

// SetupAll creates every missing topic of spec.
func (sm *ServiceManager) SetupAll(ctx context.Context, spec ResourcesSpec) error {
	sm.logger.Info().Strs("topics", spec.TopicNames()).Msg("Starting setup")
	if err := sm.forEach(ctx, spec, (*MessagingManager).Setup); err != nil {
		return fmt.Errorf("failed during parallel setup: %w", err)
	}
	sm.logger.Info().Msg("Setup completed successfully")
	return nil
}

// VerifyAll checks that every topic of spec exists.
func (sm *ServiceManager) VerifyAll(ctx context.Context, spec ResourcesSpec) error {
	if err := sm.forEach(ctx, spec, (*MessagingManager).Verify); err != nil {
		return fmt.Errorf("failed during verification: %w", err)
	}
	sm.logger.Info().Int("count", len(spec.TopicNames())).Msg("All topics verified")
	return nil
}

// TeardownAll deletes every topic of spec unless protected.
func (sm *ServiceManager) TeardownAll(ctx context.Context, spec ResourcesSpec, teardownProtection bool) error {
	if teardownProtection {
		return ErrTeardownProtected
	}
	sm.logger.Warn().Strs("topics", spec.TopicNames()).Msg("Starting teardown")
	if err := sm.forEach(ctx, spec, (*MessagingManager).Teardown); err != nil {
		return fmt.Errorf("failed during teardown: %w", err)
	}
	return nil
}

func (sm *ServiceManager) forEach(ctx context.Context, spec ResourcesSpec, op topicOperation) error {
	if len(spec.Pubsub) > 0 && sm.pubsub == nil {
		return errors.New("spec names a pubsub project but no pubsub client factory was provided")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, cluster := range spec.Clusters {
		g.Go(func() error {
			client, err := sm.kafka(cluster.Brokers)
			if err != nil {
				return fmt.Errorf("failed to connect to brokers %v: %w", cluster.Brokers, err)
			}
			return sm.run(gCtx, client, cluster.Topics, op)
		})
	}
	for _, project := range spec.Pubsub {
		g.Go(func() error {
			client, err := sm.pubsub(gCtx, project.ProjectID)
			if err != nil {
				return fmt.Errorf("failed to connect to pubsub project %s: %w", project.ProjectID, err)
			}
			return sm.run(gCtx, client, project.Topics, op)
		})
	}
	return g.Wait()
}

func (sm *ServiceManager) run(ctx context.Context, client MessagingClient, topics []TopicConfig, op topicOperation) error {
	defer func() {
		if err := client.Close(); err != nil {
			sm.logger.Warn().Err(err).Msg("Failed to close messaging client")
		}
	}()
	manager, err := NewMessagingManager(client, sm.logger)
	if err != nil {
		return err
	}
	return op(manager, ctx, topics)
}

package servicemanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrTopicNotFound is returned by a MessagingClient when a topic it is
	// asked to delete does not exist, and by Verify for a missing topic.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTeardownProtected is returned by Teardown when protection is on.
	ErrTeardownProtected = errors.New("teardown protection enabled")
)

// MessagingClient manages topics on one broker cluster or Pub/Sub project.
type MessagingClient interface {
	TopicExists(ctx context.Context, name string) (bool, error)
	// CreateTopic succeeds when the topic already exists.
	CreateTopic(ctx context.Context, topic TopicConfig) error
	DeleteTopic(ctx context.Context, name string) error
	Close() error
}

// MessagingManager handles the creation and deletion of the topics of one
// MessagingClient.
type MessagingManager struct {
	client MessagingClient
	logger zerolog.Logger
}

// NewMessagingManager creates a new MessagingManager.
func NewMessagingManager(client MessagingClient, logger zerolog.Logger) (*MessagingManager, error) {
	if client == nil {
		return nil, fmt.Errorf("messaging client cannot be nil")
	}
	return &MessagingManager{
		client: client,
		logger: logger.With().Str("subcomponent", "MessagingManager").Logger(),
	}, nil
}

// Setup creates every topic that does not exist yet.
func (m *MessagingManager) Setup(ctx context.Context, topics []TopicConfig) error {
	m.logger.Info().Int("count", len(topics)).Msg("Setting up topics...")
	for _, topic := range topics {
		if topic.Name == "" {
			m.logger.Error().Msg("Skipping topic with empty name")
			continue
		}
		exists, err := m.client.TopicExists(ctx, topic.Name)
		if err != nil {
			return fmt.Errorf("failed to check existence of topic '%s': %w", topic.Name, err)
		}
		if exists {
			m.logger.Info().Str("topic_id", topic.Name).Msg("Topic already exists")
			continue
		}
		m.logger.Info().Str("topic_id", topic.Name).Int32("partitions", topic.Partitions).Msg("Creating topic...")
		if err := m.client.CreateTopic(ctx, topic); err != nil {
			return fmt.Errorf("failed to create topic '%s': %w", topic.Name, err)
		}
		m.logger.Info().Str("topic_id", topic.Name).Msg("Topic created successfully")
	}
	return nil
}

// Verify checks that every topic exists.
func (m *MessagingManager) Verify(ctx context.Context, topics []TopicConfig) error {
	m.logger.Info().Int("count", len(topics)).Msg("Verifying topics...")
	for _, topic := range topics {
		if topic.Name == "" {
			m.logger.Warn().Msg("Skipping verification for topic with empty name")
			continue
		}
		exists, err := m.client.TopicExists(ctx, topic.Name)
		if err != nil {
			return fmt.Errorf("failed to check existence of topic '%s' during verification: %w", topic.Name, err)
		}
		if !exists {
			return fmt.Errorf("%w: '%s'", ErrTopicNotFound, topic.Name)
		}
		m.logger.Debug().Str("topic_id", topic.Name).Msg("Topic verified successfully.")
	}
	return nil
}

// Teardown deletes the topics in reverse order. Missing topics are skipped;
// every other failure is reported once all deletions were attempted.
func (m *MessagingManager) Teardown(ctx context.Context, topics []TopicConfig) error {
	m.logger.Info().Int("count", len(topics)).Msg("Tearing down topics...")
	var errs []error
	for i := len(topics) - 1; i >= 0; i-- {
		name := topics[i].Name
		if name == "" {
			continue
		}
		err := m.client.DeleteTopic(ctx, name)
		switch {
		case err == nil:
			m.logger.Info().Str("topic_id", name).Msg("Topic deleted successfully")
		case errors.Is(err, ErrTopicNotFound):
			m.logger.Info().Str("topic_id", name).Msg("Topic not found, skipping.")
		default:
			m.logger.Error().Err(err).Str("topic_id", name).Msg("Failed to delete topic")
			errs = append(errs, fmt.Errorf("failed to delete topic '%s': %w", name, err))
		}
	}
	return errors.Join(errs...)
}

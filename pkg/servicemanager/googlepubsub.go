package servicemanager

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Adapter for the real Pub/Sub client ---

type pubsubClientAdapter struct {
	client *pubsub.Client
	owned  bool
}

// NewPubsubMessagingClient wraps a client the caller keeps ownership of.
func NewPubsubMessagingClient(client *pubsub.Client) MessagingClient {
	if client == nil {
		return nil
	}
	return &pubsubClientAdapter{client: client}
}

// CreateGooglePubsubClient creates a real Pub/Sub client, closed by Close.
func CreateGooglePubsubClient(ctx context.Context, projectID string, clientOpts ...option.ClientOption) (MessagingClient, error) {
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &pubsubClientAdapter{client: client, owned: true}, nil
}

func (a *pubsubClientAdapter) TopicExists(ctx context.Context, name string) (bool, error) {
	return a.client.Topic(name).Exists(ctx)
}

func (a *pubsubClientAdapter) CreateTopic(ctx context.Context, topic TopicConfig) error {
	var err error
	if len(topic.Configs) > 0 {
		_, err = a.client.CreateTopicWithConfig(ctx, topic.Name, &pubsub.TopicConfig{Labels: topic.Configs})
	} else {
		_, err = a.client.CreateTopic(ctx, topic.Name)
	}
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

func (a *pubsubClientAdapter) DeleteTopic(ctx context.Context, name string) error {
	err := a.client.Topic(name).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return err
}

func (a *pubsubClientAdapter) Close() error {
	if !a.owned {
		return nil
	}
	return a.client.Close()
}

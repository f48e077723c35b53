package servicemanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaAdminClient manages topics through the Kafka admin API.
type kafkaAdminClient struct {
	adm *kadm.Client
}

// NewKafkaMessagingClient connects an admin client to brokers.
func NewKafkaMessagingClient(brokers []string, opts ...kgo.Opt) (MessagingClient, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka admin client requires at least one broker")
	}
	client, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	return &kafkaAdminClient{adm: kadm.NewClient(client)}, nil
}

func (k *kafkaAdminClient) TopicExists(ctx context.Context, name string) (bool, error) {
	topics, err := k.adm.ListTopics(ctx, name)
	if err != nil {
		return false, err
	}
	detail, ok := topics[name]
	if !ok || errors.Is(detail.Err, kerr.UnknownTopicOrPartition) {
		return false, nil
	}
	if detail.Err != nil {
		return false, detail.Err
	}
	return true, nil
}

func (k *kafkaAdminClient) CreateTopic(ctx context.Context, topic TopicConfig) error {
	partitions, replication := topic.Partitions, topic.ReplicationFactor
	if partitions <= 0 {
		partitions = -1
	}
	if replication <= 0 {
		replication = -1
	}
	var configs map[string]*string
	if len(topic.Configs) > 0 {
		configs = make(map[string]*string, len(topic.Configs))
		for key, value := range topic.Configs {
			configs[key] = &value
		}
	}
	resp, err := k.adm.CreateTopic(ctx, partitions, replication, configs, topic.Name)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.TopicAlreadyExists) {
		return nil
	}
	return err
}

func (k *kafkaAdminClient) DeleteTopic(ctx context.Context, name string) error {
	resp, err := k.adm.DeleteTopic(ctx, name)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.UnknownTopicOrPartition) {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return err
}

// Close closes the underlying kgo client.
func (k *kafkaAdminClient) Close() error {
	k.adm.Close()
	return nil
}

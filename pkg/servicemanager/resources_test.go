package servicemanager_test

import (
	"testing"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/servicemanager"
	"github.com/illmade-knight/go-indexer/pkg/slicing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexerResources_Unsliced(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Brokers = []string{"kafka-1:9092", "kafka-0:9092"}
	cfg.DeadLetter = configuration.DeadLetterConfig{Kind: configuration.DeadLetterKafka, Topic: "ingest-metrics-dlq"}
	ingest, err := configuration.GetIngestConfig(configuration.ProfileReleaseHealth, cfg.IndexerDB)
	require.NoError(t, err)

	spec := servicemanager.IndexerResources(cfg, ingest, servicemanager.TopicDefaults{Partitions: 8, ReplicationFactor: 3})

	require.Len(t, spec.Clusters, 1)
	assert.Equal(t, cfg.Brokers, spec.Clusters[0].Brokers)
	assert.Equal(t, []string{"ingest-metrics", "snuba-metrics", "ingest-metrics-dlq"}, spec.TopicNames())
	for _, topic := range spec.Clusters[0].Topics {
		assert.Equal(t, int32(8), topic.Partitions)
		assert.Equal(t, int16(3), topic.ReplicationFactor)
	}
	assert.Nil(t, spec.Pubsub)
}

func TestIndexerResources_SlicedWithPubsubDeadLetter(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Brokers = []string{"main:9092"}
	cfg.OutputSliced = true
	cfg.Slicing = slicing.Config{
		Ranges: []slicing.PartitionRange{
			{Lo: 0, Hi: 128, SliceID: 0},
			{Lo: 128, Hi: 256, SliceID: 1},
		},
		Destinations: map[int]slicing.SliceDestination{
			1: {Brokers: []string{"slice-b:9092"}, Topic: "generic-metrics-1"},
			0: {Brokers: []string{"main:9092"}, Topic: "generic-metrics-0"},
		},
	}
	cfg.DeadLetter = configuration.DeadLetterConfig{Kind: configuration.DeadLetterPubsub, Topic: "indexer-dlq", ProjectID: "metrics-prod"}
	ingest, err := configuration.GetIngestConfig(configuration.ProfilePerformance, cfg.IndexerDB)
	require.NoError(t, err)

	spec := servicemanager.IndexerResources(cfg, ingest, servicemanager.TopicDefaults{})

	require.Len(t, spec.Clusters, 2)
	assert.Equal(t, []string{"main:9092"}, spec.Clusters[0].Brokers)
	assert.Equal(t, "ingest-performance-metrics", spec.Clusters[0].Topics[0].Name)
	assert.Equal(t, "generic-metrics-0", spec.Clusters[0].Topics[1].Name)
	assert.Equal(t, []string{"slice-b:9092"}, spec.Clusters[1].Brokers)
	assert.Equal(t, "generic-metrics-1", spec.Clusters[1].Topics[0].Name)

	require.Len(t, spec.Pubsub, 1)
	assert.Equal(t, "metrics-prod", spec.Pubsub[0].ProjectID)
	assert.Equal(t, "indexer-dlq", spec.Pubsub[0].Topics[0].Name)
	assert.NotContains(t, spec.TopicNames(), "snuba-generic-metrics", "The unsliced output topic is not provisioned")
}

func TestIndexerResources_PubsubOutput(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Output = configuration.OutputConfig{Transport: configuration.OutputPubsub, ProjectID: "metrics-out"}
	cfg.DeadLetter = configuration.DeadLetterConfig{Kind: configuration.DeadLetterPubsub, Topic: "indexer-dlq", ProjectID: "metrics-out"}
	ingest, err := cfg.Ingest()
	require.NoError(t, err)

	spec := servicemanager.IndexerResources(cfg, ingest, servicemanager.TopicDefaults{Partitions: 4})

	require.Len(t, spec.Clusters, 1)
	require.Len(t, spec.Clusters[0].Topics, 1, "Only the input topic stays on Kafka")
	assert.Equal(t, "ingest-metrics", spec.Clusters[0].Topics[0].Name)
	require.Len(t, spec.Pubsub, 1, "Topics of one project are grouped")
	assert.Equal(t, "metrics-out", spec.Pubsub[0].ProjectID)
	assert.Equal(t, []string{"ingest-metrics", "snuba-metrics", "indexer-dlq"}, spec.TopicNames())
}

func TestIndexerResources_DeduplicatesTopics(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.InputTopic = "metrics"
	cfg.OutputTopic = "metrics"
	ingest, err := cfg.Ingest()
	require.NoError(t, err)

	spec := servicemanager.IndexerResources(cfg, ingest, servicemanager.TopicDefaults{})
	assert.Equal(t, []string{"metrics"}, spec.TopicNames())
}

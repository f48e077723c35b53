package servicemanager

import (
	"sort"
	"strings"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
)

// TopicDefaults are applied to every Kafka topic derived from a
// configuration.
type TopicDefaults struct {
	Partitions        int32
	ReplicationFactor int16
}

// IndexerResources returns the topics a consumer running with cfg reads
// from and writes to: the input topic, the output topic or every slice
// topic, and the dead-letter topic when one is configured. Output and
// dead-letter topics on Pub/Sub are grouped by project.
func IndexerResources(cfg *configuration.Config, ingest *configuration.IngestConfiguration, defaults TopicDefaults) ResourcesSpec {
	var spec ResourcesSpec
	index := make(map[string]int)
	projects := make(map[string]int)
	seen := make(map[string]bool)

	add := func(brokers []string, name string) {
		if name == "" {
			return
		}
		if len(brokers) == 0 {
			brokers = cfg.Brokers
		}
		key := clusterKey(brokers)
		if seen[key+"/"+name] {
			return
		}
		seen[key+"/"+name] = true

		i, ok := index[key]
		if !ok {
			i = len(spec.Clusters)
			index[key] = i
			spec.Clusters = append(spec.Clusters, ClusterSpec{Brokers: brokers})
		}
		spec.Clusters[i].Topics = append(spec.Clusters[i].Topics, TopicConfig{
			Name:              name,
			Partitions:        defaults.Partitions,
			ReplicationFactor: defaults.ReplicationFactor,
		})
	}

	addPubsub := func(projectID, name string) {
		if seen["pubsub:"+projectID+"/"+name] {
			return
		}
		seen["pubsub:"+projectID+"/"+name] = true
		i, ok := projects[projectID]
		if !ok {
			i = len(spec.Pubsub)
			projects[projectID] = i
			spec.Pubsub = append(spec.Pubsub, PubsubSpec{ProjectID: projectID})
		}
		spec.Pubsub[i].Topics = append(spec.Pubsub[i].Topics, TopicConfig{Name: name})
	}

	add(cfg.Brokers, ingest.InputTopic)
	if ingest.IsOutputSliced {
		ids := make([]int, 0, len(cfg.Slicing.Destinations))
		for id := range cfg.Slicing.Destinations {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			dest := cfg.Slicing.Destinations[id]
			add(dest.Brokers, dest.Topic)
		}
	} else if cfg.Output.Transport == configuration.OutputPubsub {
		addPubsub(cfg.Output.ProjectID, ingest.OutputTopic)
	} else {
		add(cfg.Brokers, ingest.OutputTopic)
	}

	switch cfg.DeadLetter.Kind {
	case configuration.DeadLetterKafka:
		add(cfg.Brokers, cfg.DeadLetter.Topic)
	case configuration.DeadLetterPubsub:
		addPubsub(cfg.DeadLetter.ProjectID, cfg.DeadLetter.Topic)
	}
	return spec
}

func clusterKey(brokers []string) string {
	sorted := make([]string, len(brokers))
	copy(sorted, brokers)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

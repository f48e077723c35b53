package servicemanager

// TopicConfig describes one topic the indexer reads from or writes to.
// Zero Partitions or ReplicationFactor leave the choice to the broker.
type TopicConfig struct {
	Name              string            `yaml:"name"`
	Partitions        int32             `yaml:"partitions"`
	ReplicationFactor int16             `yaml:"replication_factor"`
	Configs           map[string]string `yaml:"configs,omitempty"`
}

// ClusterSpec is the set of topics hosted by one group of brokers.
type ClusterSpec struct {
	Brokers []string      `yaml:"brokers"`
	Topics  []TopicConfig `yaml:"topics"`
}

// PubsubSpec lists the Pub/Sub topics of one project. Configs of its topics
// are applied as labels.
type PubsubSpec struct {
	ProjectID string        `yaml:"project_id"`
	Topics    []TopicConfig `yaml:"topics"`
}

// ResourcesSpec is every messaging resource a deployment needs.
type ResourcesSpec struct {
	Clusters []ClusterSpec `yaml:"clusters"`
	Pubsub   []PubsubSpec  `yaml:"pubsub,omitempty"`
}

// TopicNames lists every topic, Kafka clusters first.
func (r ResourcesSpec) TopicNames() []string {
	var names []string
	for _, c := range r.Clusters {
		for _, t := range c.Topics {
			names = append(names, t.Name)
		}
	}
	for _, p := range r.Pubsub {
		for _, t := range p.Topics {
			names = append(names, t.Name)
		}
	}
	return names
}

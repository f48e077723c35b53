package configuration

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/slicing"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrSlicingRouterRequired is returned when sliced output is enabled
	// without a routing table.
	ErrSlicingRouterRequired = errors.New("output slicing is enabled but no slicing router is configured")
)

// DeadLetterKind is the transport invalid records are published to.
type DeadLetterKind string

const (
	DeadLetterNone   DeadLetterKind = ""
	DeadLetterKafka  DeadLetterKind = "kafka"
	DeadLetterPubsub DeadLetterKind = "pubsub"
)

type DeadLetterConfig struct {
	Kind      DeadLetterKind `yaml:"kind"`
	Topic     string         `yaml:"topic"`
	ProjectID string         `yaml:"project_id"`
}

// OutputTransport is where indexed messages are produced.
type OutputTransport string

const (
	OutputKafka  OutputTransport = "kafka"
	OutputPubsub OutputTransport = "pubsub"
)

// OutputConfig selects the output transport. Batch options apply to Pub/Sub
// publishing only.
type OutputConfig struct {
	Transport  OutputTransport `yaml:"transport"`
	ProjectID  string          `yaml:"project_id"`
	BatchSize  int             `yaml:"batch_size"`
	BatchDelay time.Duration   `yaml:"batch_delay"`
}

// Config is the full configuration of an indexer consumer.
type Config struct {
	Brokers           []string `yaml:"brokers"`
	InputTopic        string   `yaml:"input_topic"`
	OutputTopic       string   `yaml:"output_topic"`
	GroupID           string   `yaml:"group_id"`
	GroupInstanceID   string   `yaml:"group_instance_id"`
	AutoOffsetReset   string   `yaml:"auto_offset_reset"`
	StrictOffsetReset bool     `yaml:"strict_offset_reset"`

	IngestProfile IngestProfile          `yaml:"ingest_profile"`
	IndexerDB     indexer.IndexerStorage `yaml:"indexer_db"`

	MaxMsgBatchSize       int           `yaml:"max_msg_batch_size"`
	MaxMsgBatchTime       time.Duration `yaml:"max_msg_batch_time"`
	MaxParallelBatchSize  int           `yaml:"max_parallel_batch_size"`
	MaxParallelBatchTime  time.Duration `yaml:"max_parallel_batch_time"`
	Processes             int           `yaml:"processes"`
	InputBlockSize        int           `yaml:"input_block_size"`
	OutputBlockSize       int           `yaml:"output_block_size"`
	MaxOutstandingBatches int           `yaml:"max_outstanding_batches"`
	MaxPendingProduces    int           `yaml:"max_pending_produces"`
	// JoinTimeout of zero abandons in-flight work on shutdown.
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	CommitInterval time.Duration `yaml:"commit_interval"`

	Output       OutputConfig   `yaml:"output"`
	OutputSliced bool           `yaml:"output_sliced"`
	Slicing      slicing.Config `yaml:"slicing"`

	LocalCacheSize    int           `yaml:"local_cache_size"`
	WritesLimitPerOrg int           `yaml:"writes_limit_per_org"`
	WritesLimitWindow time.Duration `yaml:"writes_limit_window"`

	Redis     indexer.RedisConfig     `yaml:"redis"`
	Postgres  indexer.PostgresConfig  `yaml:"postgres"`
	Firestore indexer.FirestoreConfig `yaml:"firestore"`

	DeadLetter  DeadLetterConfig `yaml:"dead_letter"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

// DefaultConfig returns the configuration used for every unset option.
func DefaultConfig() *Config {
	return &Config{
		Brokers:               []string{"localhost:9092"},
		GroupID:               "metrics-consumer",
		AutoOffsetReset:       "earliest",
		IngestProfile:         ProfileReleaseHealth,
		IndexerDB:             indexer.StoragePostgres,
		MaxMsgBatchSize:       50,
		MaxMsgBatchTime:       10 * time.Second,
		MaxParallelBatchSize:  50,
		MaxParallelBatchTime:  10 * time.Second,
		Processes:             1,
		InputBlockSize:        16 << 20,
		OutputBlockSize:       16 << 20,
		MaxOutstandingBatches: 100,
		MaxPendingProduces:    10000,
		JoinTimeout:           5 * time.Second,
		CommitInterval:        time.Second,
		LocalCacheSize:        10000,
		WritesLimitWindow:     time.Minute,
		Output: OutputConfig{
			Transport:  OutputKafka,
			BatchSize:  100,
			BatchDelay: 10 * time.Millisecond,
		},
	}
}

// LoadConfigFromFile reads a YAML file on top of DefaultConfig. Options
// absent from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides options from INDEXER_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("INDEXER_BROKERS"); v != "" {
		c.Brokers = splitList(v)
	}
	if v := os.Getenv("INDEXER_GROUP_ID"); v != "" {
		c.GroupID = v
	}
	if v := os.Getenv("INDEXER_GROUP_INSTANCE_ID"); v != "" {
		c.GroupInstanceID = v
	}
	if v := os.Getenv("INDEXER_INGEST_PROFILE"); v != "" {
		c.IngestProfile = IngestProfile(v)
	}
	if v := os.Getenv("INDEXER_DB"); v != "" {
		c.IndexerDB = indexer.IndexerStorage(v)
	}
	if v := os.Getenv("INDEXER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("INDEXER_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("INDEXER_FIRESTORE_PROJECT_ID"); v != "" {
		c.Firestore.ProjectID = v
	}
	if v := os.Getenv("INDEXER_OUTPUT_TRANSPORT"); v != "" {
		c.Output.Transport = OutputTransport(v)
	}
	if v := os.Getenv("INDEXER_OUTPUT_PROJECT_ID"); v != "" {
		c.Output.ProjectID = v
	}
	if v := os.Getenv("INDEXER_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("INDEXER_PROCESSES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: INDEXER_PROCESSES: %v", ErrInvalidConfig, err)
		}
		c.Processes = n
	}
	if v := os.Getenv("INDEXER_JOIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: INDEXER_JOIN_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		c.JoinTimeout = d
	}
	return nil
}

// Validate checks the configuration and reports the first problem found.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidConfig)
	case c.GroupID == "":
		return fmt.Errorf("%w: group_id is required", ErrInvalidConfig)
	case c.AutoOffsetReset != "earliest" && c.AutoOffsetReset != "latest":
		return fmt.Errorf("%w: auto_offset_reset must be earliest or latest, got %q", ErrInvalidConfig, c.AutoOffsetReset)
	case c.Processes < 1:
		return fmt.Errorf("%w: processes must be at least 1", ErrInvalidConfig)
	case c.MaxMsgBatchSize < 1 || c.MaxParallelBatchSize < 1:
		return fmt.Errorf("%w: batch sizes must be at least 1", ErrInvalidConfig)
	case c.MaxMsgBatchTime <= 0 || c.MaxParallelBatchTime <= 0:
		return fmt.Errorf("%w: batch times must be positive", ErrInvalidConfig)
	case c.JoinTimeout < 0:
		return fmt.Errorf("%w: join_timeout cannot be negative", ErrInvalidConfig)
	case c.CommitInterval <= 0:
		return fmt.Errorf("%w: commit_interval must be positive", ErrInvalidConfig)
	}
	if _, err := ParseIngestProfile(string(c.IngestProfile)); err != nil {
		return err
	}
	if _, err := indexer.ParseIndexerStorage(string(c.IndexerDB)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.IndexerDB {
	case indexer.StoragePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres.dsn is required for the postgres indexer", ErrInvalidConfig)
		}
	case indexer.StorageFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("%w: firestore.project_id is required for the firestore indexer", ErrInvalidConfig)
		}
	}
	switch c.Output.Transport {
	case OutputKafka:
	case OutputPubsub:
		if c.Output.ProjectID == "" {
			return fmt.Errorf("%w: output.project_id is required for pubsub", ErrInvalidConfig)
		}
		if c.OutputSliced {
			return fmt.Errorf("%w: sliced output is only supported on kafka", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown output.transport %q", ErrInvalidConfig, c.Output.Transport)
	}
	if c.OutputSliced {
		if len(c.Slicing.Ranges) == 0 {
			return ErrSlicingRouterRequired
		}
		if err := c.Slicing.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	switch c.DeadLetter.Kind {
	case DeadLetterNone:
	case DeadLetterKafka, DeadLetterPubsub:
		if c.DeadLetter.Topic == "" {
			return fmt.Errorf("%w: dead_letter.topic is required", ErrInvalidConfig)
		}
		if c.DeadLetter.Kind == DeadLetterPubsub && c.DeadLetter.ProjectID == "" {
			return fmt.Errorf("%w: dead_letter.project_id is required for pubsub", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown dead_letter.kind %q", ErrInvalidConfig, c.DeadLetter.Kind)
	}
	return nil
}

// Ingest resolves the profile defaults, applying the topic and slicing
// options of c on top.
func (c *Config) Ingest() (*IngestConfiguration, error) {
	ingest, err := GetIngestConfig(c.IngestProfile, c.IndexerDB)
	if err != nil {
		return nil, err
	}
	if c.InputTopic != "" {
		ingest.InputTopic = c.InputTopic
	}
	if c.OutputTopic != "" {
		ingest.OutputTopic = c.OutputTopic
	}
	ingest.IsOutputSliced = c.OutputSliced
	return ingest, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

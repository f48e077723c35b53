package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ErrOffsetOutOfRange is returned by strict offset validation when a
// committed offset lies outside the partition's retained range.
var ErrOffsetOutOfRange = errors.New("committed offset out of range")

// KafkaConsumerConfig holds configuration for the source log consumer.
type KafkaConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	GroupInstanceID string
	// AutoOffsetReset is "earliest" or "latest".
	AutoOffsetReset string
	// StrictOffsetReset fails startup instead of resetting an out of range
	// committed offset.
	StrictOffsetReset bool
	ClientID          string
}

// KafkaConsumer reads records from one topic as a member of a consumer
// group. Offsets are committed only when the driver asks: the driver stages
// the offsets its pipeline has finished with and commits them periodically.
//
// Poll, Stage and Commit are called from the driver goroutine. Rebalance
// callbacks run on client goroutines and share the staged offsets under mu.
type KafkaConsumer struct {
	client *kgo.Client
	cfg    *KafkaConsumerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	staged   map[types.Partition]int64
	assigned map[types.Partition]bool
	// last offset successfully committed per partition
	committed map[types.Partition]int64

	closeOnce sync.Once
}

// NewKafkaConsumer creates the client and joins the group on first poll.
func NewKafkaConsumer(cfg *KafkaConsumerConfig, logger zerolog.Logger) (*KafkaConsumer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer requires at least one broker")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka consumer requires a topic and a group id")
	}

	reset := kgo.NewOffset().AtStart()
	switch cfg.AutoOffsetReset {
	case "", "earliest":
	case "latest":
		reset = kgo.NewOffset().AtEnd()
	default:
		return nil, fmt.Errorf("unknown auto offset reset %q", cfg.AutoOffsetReset)
	}

	c := &KafkaConsumer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "KafkaConsumer").Str("topic", cfg.Topic).Logger(),
		staged:    make(map[types.Partition]int64),
		assigned:  make(map[types.Partition]bool),
		committed: make(map[types.Partition]int64),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
	}
	if cfg.GroupInstanceID != "" {
		opts = append(opts, kgo.InstanceID(cfg.GroupInstanceID))
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer client: %w", err)
	}
	c.client = client
	c.logger.Info().Str("group_id", cfg.GroupID).Strs("brokers", cfg.Brokers).Msg("Kafka consumer created.")
	return c, nil
}

// ValidateOffsets checks the group's committed offsets against the
// partitions' retained range. It is a no-op unless StrictOffsetReset is set.
func (c *KafkaConsumer) ValidateOffsets(ctx context.Context) error {
	if !c.cfg.StrictOffsetReset {
		return nil
	}
	adm := kadm.NewClient(c.client)

	committed, err := adm.FetchOffsetsForTopics(ctx, c.cfg.GroupID, c.cfg.Topic)
	if errors.Is(err, kerr.GroupIDNotFound) {
		c.logger.Info().Str("group_id", c.cfg.GroupID).Msg("Group has no committed offsets yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch committed offsets: %w", err)
	}
	starts, err := adm.ListStartOffsets(ctx, c.cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to list start offsets: %w", err)
	}
	ends, err := adm.ListEndOffsets(ctx, c.cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to list end offsets: %w", err)
	}

	var outOfRange []string
	var fetchErr error
	committed.Each(func(o kadm.OffsetResponse) {
		if errors.Is(o.Err, kerr.GroupIDNotFound) {
			return
		}
		if o.Err != nil {
			fetchErr = o.Err
			return
		}
		if o.At < 0 {
			// Nothing committed yet, the reset policy applies.
			return
		}
		start, okStart := starts.Lookup(o.Topic, o.Partition)
		end, okEnd := ends.Lookup(o.Topic, o.Partition)
		if !okStart || !okEnd {
			return
		}
		if o.At < start.Offset || o.At > end.Offset {
			outOfRange = append(outOfRange, fmt.Sprintf("%s/%d at %d not in [%d, %d]", o.Topic, o.Partition, o.At, start.Offset, end.Offset))
		}
	})
	if fetchErr != nil {
		return fmt.Errorf("failed to fetch committed offsets: %w", fetchErr)
	}
	if len(outOfRange) > 0 {
		return fmt.Errorf("%w: %s", ErrOffsetOutOfRange, strings.Join(outOfRange, ", "))
	}
	c.logger.Info().Msg("Committed offsets are within range.")
	return nil
}

// Poll returns up to max records. A context that ends while waiting is not
// an error: Poll returns what it has.
func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]types.Message[types.KafkaPayload], error) {
	fetches := c.client.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var fatal error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("Fetch error.")
		if fatal == nil {
			fatal = fmt.Errorf("fetch from %s/%d: %w", topic, partition, err)
		}
	})
	if fatal != nil {
		return nil, fatal
	}

	records := fetches.Records()
	msgs := make([]types.Message[types.KafkaPayload], 0, len(records))
	for _, r := range records {
		payload := types.KafkaPayload{Key: r.Key, Value: r.Value}
		for _, h := range r.Headers {
			payload.Headers = append(payload.Headers, types.Header{Key: h.Key, Value: h.Value})
		}
		partition := types.Partition{Topic: r.Topic, Index: r.Partition}
		msgs = append(msgs, types.NewRecord(payload, partition, r.Offset, r.Timestamp))
	}
	return msgs, nil
}

// Stage records offsets as ready to commit. Offsets of partitions this
// member no longer owns are dropped, as are offsets not above what is
// already staged or committed.
func (c *KafkaConsumer) Stage(offsets map[types.Partition]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, o := range offsets {
		if !c.assigned[p] {
			c.logger.Debug().Str("partition", p.String()).Msg("Dropping offset of unassigned partition.")
			continue
		}
		if done, ok := c.committed[p]; ok && o <= done {
			continue
		}
		if cur, ok := c.staged[p]; !ok || o > cur {
			c.staged[p] = o
		}
	}
}

// Commit synchronously commits every staged offset.
func (c *KafkaConsumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	staged := c.staged
	c.staged = make(map[types.Partition]int64)
	c.mu.Unlock()

	if err := c.commit(ctx, staged); err != nil {
		// Keep the offsets for the next attempt unless newer ones arrived.
		c.mu.Lock()
		for p, o := range staged {
			if _, ok := c.staged[p]; !ok && c.assigned[p] {
				c.staged[p] = o
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *KafkaConsumer) commit(ctx context.Context, offsets map[types.Partition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for p, o := range offsets {
		if _, ok := uncommitted[p.Topic]; !ok {
			uncommitted[p.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[p.Topic][p.Index] = kgo.EpochOffset{Epoch: -1, Offset: o}
	}

	var commitErr error
	c.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil && commitErr == nil {
					commitErr = fmt.Errorf("%s/%d: %w", t.Topic, p.Partition, err)
				}
			}
		}
	})
	if commitErr != nil {
		return fmt.Errorf("failed to commit offsets: %w", commitErr)
	}
	c.mu.Lock()
	for p, o := range offsets {
		if o > c.committed[p] {
			c.committed[p] = o
		}
	}
	c.mu.Unlock()
	c.logger.Debug().Int("partitions", len(offsets)).Msg("Committed offsets.")
	return nil
}

func (c *KafkaConsumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range assigned {
		for _, p := range partitions {
			c.assigned[types.Partition{Topic: topic, Index: p}] = true
		}
	}
	c.logger.Info().Interface("partitions", assigned).Msg("Partitions assigned.")
}

// onRevoked commits what is staged for the revoked partitions before they
// move to another member.
func (c *KafkaConsumer) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	toCommit := c.release(revoked)
	if err := c.commit(ctx, toCommit); err != nil {
		c.logger.Error().Err(err).Msg("Commit error on partition revoke.")
	}
	c.logger.Info().Interface("partitions", revoked).Msg("Partitions revoked.")
}

func (c *KafkaConsumer) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	c.release(lost)
	c.logger.Warn().Interface("partitions", lost).Msg("Partitions lost.")
}

// release forgets the given partitions and returns their staged offsets.
func (c *KafkaConsumer) release(partitions map[string][]int32) map[types.Partition]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.Partition]int64)
	for topic, ps := range partitions {
		for _, p := range ps {
			key := types.Partition{Topic: topic, Index: p}
			if o, ok := c.staged[key]; ok {
				out[key] = o
			}
			delete(c.staged, key)
			delete(c.assigned, key)
		}
	}
	return out
}

// Close leaves the group and closes the client. It is idempotent.
func (c *KafkaConsumer) Close() {
	c.closeOnce.Do(func() {
		c.client.Close()
		c.logger.Info().Msg("Kafka consumer closed.")
	})
}

package streamprocessor_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/consumers"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/metrics"
	"github.com/illmade-knight/go-indexer/pkg/slicing"
	"github.com/illmade-knight/go-indexer/pkg/streamprocessor"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPartition = types.Partition{Topic: "ingest-metrics", Index: 0}

// =============================================================================
//  Test Doubles
// =============================================================================

type fakeConsumer struct {
	mu          sync.Mutex
	queue       []types.Message[types.KafkaPayload]
	validateErr error
	staged      map[types.Partition]int64
	committed   map[types.Partition]int64
	emptyPolls  int
	closed      int
}

func newFakeConsumer(values ...string) *fakeConsumer {
	c := &fakeConsumer{
		staged:    make(map[types.Partition]int64),
		committed: make(map[types.Partition]int64),
	}
	for i, v := range values {
		payload := types.KafkaPayload{Value: []byte(v)}
		c.queue = append(c.queue, types.NewRecord(payload, testPartition, int64(i), time.Now()))
	}
	return c
}

func (c *fakeConsumer) ValidateOffsets(context.Context) error {
	return c.validateErr
}

func (c *fakeConsumer) Poll(ctx context.Context, max int) ([]types.Message[types.KafkaPayload], error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		n := min(max, len(c.queue))
		out := c.queue[:n]
		c.queue = c.queue[n:]
		c.mu.Unlock()
		return out, nil
	}
	c.emptyPolls++
	c.mu.Unlock()
	<-ctx.Done()
	return nil, nil
}

func (c *fakeConsumer) Stage(offsets map[types.Partition]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	types.MergeOffsets(c.staged, offsets)
}

func (c *fakeConsumer) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	types.MergeOffsets(c.committed, c.staged)
	return nil
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

// Committed returns the committed offset of p, or -1.
func (c *fakeConsumer) Committed(p types.Partition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.committed[p]; ok {
		return o
	}
	return -1
}

// Drained reports whether every record was handed out and the driver came
// back for more.
func (c *fakeConsumer) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0 && c.emptyPolls > 0
}

func (c *fakeConsumer) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeProducer struct {
	mu     sync.Mutex
	values []string
	topics []string
}

func (p *fakeProducer) Produce(_ context.Context, topic string, payload types.KafkaPayload, onAck func(error)) {
	p.mu.Lock()
	p.values = append(p.values, string(payload.Value))
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
	onAck(nil)
}

func (p *fakeProducer) Values() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.values...)
}

func (p *fakeProducer) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type publishedLetter struct {
	payload string
	attrs   map[string]string
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedLetter
	stopped   bool
}

func (p *fakePublisher) Publish(_ context.Context, payload []byte, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedLetter{payload: string(payload), attrs: attributes})
	return nil
}

func (p *fakePublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *fakePublisher) Published() []publishedLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedLetter(nil), p.published...)
}

// slowJoinStep raises an invalid record from each of its first raises
// Join calls after waiting out the timeout it was given.
type slowJoinStep struct {
	mu       sync.Mutex
	raises   int
	timeouts []time.Duration
}

func (s *slowJoinStep) Submit(types.Message[types.KafkaPayload]) error { return nil }
func (s *slowJoinStep) Poll() error { return nil }
func (s *slowJoinStep) Close() {}
func (s *slowJoinStep) Terminate() {}

func (s *slowJoinStep) Join(timeout time.Duration) error {
	s.mu.Lock()
	s.timeouts = append(s.timeouts, timeout)
	n := len(s.timeouts)
	s.mu.Unlock()
	time.Sleep(timeout)
	if n <= s.raises {
		return &messagepipeline.InvalidMessageError{Partition: testPartition, Offset: int64(n)}
	}
	return nil
}

func (s *slowJoinStep) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

// indexValues marks "bad" records invalid and routes "org-N" records to org N.
func indexValues(ctx context.Context, batch types.Batch[types.KafkaPayload]) (types.IndexerOutputBatch, error) {
	var out types.IndexerOutputBatch
	for _, m := range batch.Messages {
		value := string(m.Payload.Value)
		if value == "bad" {
			out.InvalidMessages = append(out.InvalidMessages, types.InvalidMessageMeta{
				Partition: m.Origin.Partition,
				Offset:    m.Origin.Offset,
			})
			continue
		}
		org := int64(1)
		if n, err := strconv.ParseInt(strings.TrimPrefix(value, "org-"), 10, 64); err == nil {
			org = n
		}
		routed := types.RoutingPayload{RoutingHeader: types.RoutingHeader{OrgID: org}, Payload: m.Payload}
		out.Data = append(out.Data, types.Replace[types.RoutingPayload](m, routed))
		out.Cogs = types.CogsData{types.UseCaseSessions: len(m.Payload.Value)}
	}
	return out, nil
}

type transform = messagepipeline.TransformFunc[types.Batch[types.KafkaPayload], types.IndexerOutputBatch]

func initWith(fn transform) messagepipeline.Initializer[types.Batch[types.KafkaPayload], types.IndexerOutputBatch] {
	return func(ctx context.Context, workerID int) (transform, func() error, error) {
		return fn, nil, nil
	}
}

func strategyConfig(batchSize int) streamprocessor.StrategyConfig {
	return streamprocessor.StrategyConfig{
		Batcher:     messagepipeline.BatcherConfig{MaxBatchSize: batchSize, MaxBatchTime: time.Hour},
		Runner:      messagepipeline.ParallelRunnerConfig{NumWorkers: 2, MaxBatchSize: 1, MaxBatchTime: time.Hour},
		OutputTopic: "snuba-metrics",
	}
}

func driverConfig() streamprocessor.Config {
	return streamprocessor.Config{
		JoinTimeout:    5 * time.Second,
		CommitInterval: 5 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
		MaxPollRecords: 3,
	}
}

func scenarioValues() []string {
	values := make([]string, 10)
	for i := range values {
		values[i] = fmt.Sprintf("m%d", i)
	}
	values[3] = "bad"
	return values
}

type runResult struct {
	err error
}

func startProcessor(t *testing.T, sp *streamprocessor.StreamProcessor) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: sp.Run(context.Background())} }()
	t.Cleanup(sp.Terminate)
	return done
}

func waitForRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(10 * time.Second):
		t.Fatal("stream processor did not stop")
		return nil
	}
}

// =============================================================================
//  Test Cases
// =============================================================================

func TestStreamProcessor_CommitsPastDeadLetteredRecord(t *testing.T) {
	consumer := newFakeConsumer(scenarioValues()...)
	producer := &fakeProducer{}
	dlq := &fakePublisher{}
	m, err := metrics.New()
	require.NoError(t, err)

	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(5), initWith(indexValues), producer, nil, m, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, dlq, m, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, func() bool {
		return consumer.Committed(testPartition) == 10
	}, 5*time.Second, 5*time.Millisecond)

	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))

	assert.Equal(t, []string{"m0", "m1", "m2", "m4", "m5", "m6", "m7", "m8", "m9"}, producer.Values())
	letters := dlq.Published()
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].payload)
	assert.Equal(t, map[string]string{
		messagepipeline.DeadLetterAttrTopic:     "ingest-metrics",
		messagepipeline.DeadLetterAttrPartition: "0",
		messagepipeline.DeadLetterAttrOffset:    "3",
		messagepipeline.DeadLetterAttrReason:    streamprocessor.DeadLetterReasonInvalid,
	}, letters[0].attrs)
	assert.Equal(t, 1, consumer.Closed())

	expected := `
# HELP indexer_invalid_messages_total Records that could not be indexed.
# TYPE indexer_invalid_messages_total counter
indexer_invalid_messages_total 1
# HELP indexer_records_consumed_total Records read from the source log.
# TYPE indexer_records_consumed_total counter
indexer_records_consumed_total 10
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"indexer_invalid_messages_total", "indexer_records_consumed_total"))
}

func TestStreamProcessor_SkipsInvalidWithoutDeadLetter(t *testing.T) {
	consumer := newFakeConsumer(scenarioValues()...)
	producer := &fakeProducer{}

	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(5), initWith(indexValues), producer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, func() bool {
		return consumer.Committed(testPartition) == 10
	}, 5*time.Second, 5*time.Millisecond)
	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))
	assert.Len(t, producer.Values(), 9)
}

func TestStreamProcessor_DeadLetterFailureIsFatal(t *testing.T) {
	consumer := newFakeConsumer(scenarioValues()...)
	dlq := &fakePublisher{err: errors.New("topic unavailable")}

	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(5), initWith(indexValues), &fakeProducer{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, dlq, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	err = waitForRun(t, startProcessor(t, sp))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic unavailable")
	assert.LessOrEqual(t, consumer.Committed(testPartition), int64(3), "Nothing past the invalid record is committed")
	assert.Equal(t, 1, consumer.Closed())
}

func TestStreamProcessor_EvictedInvalidRecordIsFatal(t *testing.T) {
	consumer := newFakeConsumer("bad", "m1", "m2", "m3", "m4")
	dlq := &fakePublisher{}

	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(5), initWith(indexValues), &fakeProducer{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	cfg := driverConfig()
	cfg.MaxBufferedPerPartition = 2
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, dlq, nil, cfg, zerolog.Nop())
	require.NoError(t, err)

	err = waitForRun(t, startProcessor(t, sp))
	require.ErrorIs(t, err, streamprocessor.ErrDeadLetterRecordMissing)
	assert.Contains(t, err.Error(), "offset 0")
	assert.Empty(t, dlq.Published())
	assert.Equal(t, int64(-1), consumer.Committed(testPartition), "The invalid record is re-delivered")
}

func TestStreamProcessor_OffsetValidationFailure(t *testing.T) {
	consumer := newFakeConsumer("m0")
	consumer.validateErr = consumers.ErrOffsetOutOfRange
	built := 0
	factory := func(commit messagepipeline.CommitFunc) (messagepipeline.ProcessingStep[types.KafkaPayload], error) {
		built++
		return nil, errors.New("should not be called")
	}
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	err = sp.Run(context.Background())
	assert.ErrorIs(t, err, consumers.ErrOffsetOutOfRange)
	assert.Equal(t, 0, built)
	assert.Equal(t, 1, consumer.Closed())
}

func TestStreamProcessor_TransformErrorIsFatal(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1")
	failing := func(ctx context.Context, batch types.Batch[types.KafkaPayload]) (types.IndexerOutputBatch, error) {
		return types.IndexerOutputBatch{}, errors.New("store unavailable")
	}
	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(1), initWith(failing), &fakeProducer{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	err = waitForRun(t, startProcessor(t, sp))
	var workerErr *messagepipeline.WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, int64(-1), consumer.Committed(testPartition))
}

func TestStreamProcessor_ShutdownFlushesOpenBatch(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1", "m2", "m3", "m4")
	producer := &fakeProducer{}
	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(100), initWith(indexValues), producer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, consumer.Drained, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, producer.Values(), "The batch is still open")

	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))
	assert.Len(t, producer.Values(), 5)
	assert.Equal(t, int64(5), consumer.Committed(testPartition), "The final commit follows the drain")
}

func TestStreamProcessor_ContextCancelDrains(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1")
	producer := &fakeProducer{}
	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(100), initWith(indexValues), producer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sp.Run(ctx) }()
	require.Eventually(t, consumer.Drained, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("stream processor did not stop")
	}
	assert.Equal(t, int64(2), consumer.Committed(testPartition))
	select {
	case <-sp.Done():
	default:
		t.Fatal("Done should be closed once Run returns")
	}
}

func blockingTransform(ctx context.Context, batch types.Batch[types.KafkaPayload]) (types.IndexerOutputBatch, error) {
	<-ctx.Done()
	return types.IndexerOutputBatch{}, ctx.Err()
}

func TestStreamProcessor_ZeroJoinTimeoutAbandonsWork(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1")
	producer := &fakeProducer{}
	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(1), initWith(blockingTransform), producer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	cfg := driverConfig()
	cfg.JoinTimeout = 0
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, cfg, zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, consumer.Drained, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, producer.Values())
	assert.Equal(t, int64(-1), consumer.Committed(testPartition), "Abandoned work is re-delivered after restart")
}

func TestStreamProcessor_DrainIsBoundedByJoinTimeout(t *testing.T) {
	step := &slowJoinStep{raises: 4}
	factory := func(commit messagepipeline.CommitFunc) (messagepipeline.ProcessingStep[types.KafkaPayload], error) {
		return step, nil
	}
	cfg := driverConfig()
	cfg.JoinTimeout = 100 * time.Millisecond
	sp, err := streamprocessor.NewStreamProcessor(newFakeConsumer(), factory, nil, nil, cfg, zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	start := time.Now()
	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))
	assert.Less(t, time.Since(start), 350*time.Millisecond, "Invalid records raised while draining do not restart the timeout")

	timeouts := step.Timeouts()
	require.Len(t, timeouts, 5)
	var total time.Duration
	for i, timeout := range timeouts {
		total += timeout
		if i > 0 {
			assert.LessOrEqual(t, timeout, timeouts[i-1])
		}
	}
	assert.LessOrEqual(t, total, cfg.JoinTimeout)
}

func TestStreamProcessor_TerminateIsImmediate(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1")
	factory, err := streamprocessor.NewStrategyFactory(strategyConfig(1), initWith(blockingTransform), &fakeProducer{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, consumer.Drained, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	sp.Terminate()
	sp.Terminate()
	require.NoError(t, waitForRun(t, done))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, consumer.Closed())
}

func TestStreamProcessor_TerminateWhileSaturated(t *testing.T) {
	consumer := newFakeConsumer("m0", "m1", "m2", "m3")
	cfg := strategyConfig(1)
	cfg.Runner = messagepipeline.ParallelRunnerConfig{
		NumWorkers:          1,
		MaxBatchSize:        1,
		MaxOutstanding:      1,
		MaxBatchTime:        time.Hour,
		MaxBackpressureWait: 20 * time.Millisecond,
	}
	factory, err := streamprocessor.NewStrategyFactory(cfg, initWith(blockingTransform), &fakeProducer{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	// Let the pool saturate so the driver is pushing against back-pressure.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	sp.Terminate()
	require.NoError(t, waitForRun(t, done))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(-1), consumer.Committed(testPartition))
	assert.Equal(t, 1, consumer.Closed())
}

func TestStreamProcessor_SlicedOutput(t *testing.T) {
	producers := map[string]*fakeProducer{"slice-a:9092": {}, "slice-b:9092": {}}
	factoryFn := func(brokers []string) (messagepipeline.Producer, func(), error) {
		return producers[brokers[0]], func() {}, nil
	}
	router, err := slicing.NewRouter(&slicing.Config{
		Ranges: []slicing.PartitionRange{{Lo: 0, Hi: 128, SliceID: 0}, {Lo: 128, Hi: 256, SliceID: 1}},
		Destinations: map[int]slicing.SliceDestination{
			0: {Brokers: []string{"slice-a:9092"}, Topic: "metrics-0"},
			1: {Brokers: []string{"slice-b:9092"}, Topic: "metrics-1"},
		},
	}, factoryFn, zerolog.Nop())
	require.NoError(t, err)

	consumer := newFakeConsumer("org-1", "org-130", "org-2")
	cfg := strategyConfig(3)
	cfg.OutputSliced = true
	factory, err := streamprocessor.NewStrategyFactory(cfg, initWith(indexValues), nil, router, nil, zerolog.Nop())
	require.NoError(t, err)
	sp, err := streamprocessor.NewStreamProcessor(consumer, factory, nil, nil, driverConfig(), zerolog.Nop())
	require.NoError(t, err)

	done := startProcessor(t, sp)
	require.Eventually(t, func() bool {
		return consumer.Committed(testPartition) == 3
	}, 5*time.Second, 5*time.Millisecond)
	sp.Shutdown()
	require.NoError(t, waitForRun(t, done))

	assert.Equal(t, []string{"org-1", "org-2"}, producers["slice-a:9092"].Values())
	assert.Equal(t, []string{"metrics-0", "metrics-0"}, producers["slice-a:9092"].Topics())
	assert.Equal(t, []string{"org-130"}, producers["slice-b:9092"].Values())
	assert.Equal(t, []string{"metrics-1"}, producers["slice-b:9092"].Topics())
}

func TestNewStrategyFactory_Validation(t *testing.T) {
	init := initWith(indexValues)

	t.Run("sliced output without router", func(t *testing.T) {
		cfg := strategyConfig(5)
		cfg.OutputSliced = true
		_, err := streamprocessor.NewStrategyFactory(cfg, init, &fakeProducer{}, nil, nil, zerolog.Nop())
		assert.ErrorIs(t, err, configuration.ErrSlicingRouterRequired)
	})
	t.Run("unsliced output without producer", func(t *testing.T) {
		_, err := streamprocessor.NewStrategyFactory(strategyConfig(5), init, nil, nil, nil, zerolog.Nop())
		assert.Error(t, err)
	})
	t.Run("missing initializer", func(t *testing.T) {
		_, err := streamprocessor.NewStrategyFactory(strategyConfig(5), nil, &fakeProducer{}, nil, nil, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestStrategyConfig_MaxInFlight(t *testing.T) {
	cfg := streamprocessor.StrategyConfig{
		Batcher:            messagepipeline.BatcherConfig{MaxBatchSize: 10},
		Runner:             messagepipeline.ParallelRunnerConfig{NumWorkers: 2, MaxBatchSize: 5, MaxOutstanding: 4},
		MaxPendingProduces: 100,
	}
	assert.Equal(t, 10*(5*5+1)+100, cfg.MaxInFlight())

	cfg.Runner.MaxOutstanding = 0
	assert.Equal(t, 10*(5*5+1)+100, cfg.MaxInFlight(), "The runner's default of two groups per worker applies")
}

func TestStrategyConfigFromConfig(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Processes = 4
	ingest, err := configuration.GetIngestConfig(configuration.ProfilePerformance, cfg.IndexerDB)
	require.NoError(t, err)

	sc := streamprocessor.StrategyConfigFromConfig(cfg, ingest)
	assert.Equal(t, 4, sc.Runner.NumWorkers)
	assert.Equal(t, cfg.MaxMsgBatchSize, sc.Batcher.MaxBatchSize)
	assert.Equal(t, cfg.MaxParallelBatchTime, sc.Runner.MaxBatchTime)
	assert.Equal(t, "snuba-generic-metrics", sc.OutputTopic)
	assert.True(t, sc.OutputSliced)
}

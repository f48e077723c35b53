package messagepipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestSimpleProduceStep_CommitsOnlyContiguousAcks(t *testing.T) {
	producer := NewMockProducer(false)
	commits := &commitRecorder{}
	step, err := messagepipeline.NewSimpleProduceStep(producer, "snuba-metrics", commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, step.Submit(newRoutingRecord(i, 1, fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, []string{"m0", "m1", "m2"}, producer.Values())
	assert.Equal(t, []string{"snuba-metrics", "snuba-metrics", "snuba-metrics"}, producer.Topics())

	producer.Ack(2, nil)
	producer.Ack(1, nil)
	require.NoError(t, step.Poll())
	assert.Equal(t, int64(-1), commits.Latest(testPartition), "Nothing is committed while offset 0 is outstanding")

	producer.Ack(0, nil)
	require.NoError(t, step.Poll())
	assert.Equal(t, int64(3), commits.Latest(testPartition))
}

func TestSimpleProduceStep_ProduceErrorIsFatal(t *testing.T) {
	producer := NewMockProducer(false)
	commits := &commitRecorder{}
	step, err := messagepipeline.NewSimpleProduceStep(producer, "snuba-metrics", commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, step.Submit(newRoutingRecord(0, 1, "m0")))
	producer.Ack(0, errors.New("broker unavailable"))

	err = step.Poll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, int64(-1), commits.Latest(testPartition))
	assert.Error(t, step.Submit(newRoutingRecord(1, 1, "m1")), "The step stays failed")
}

func TestSimpleProduceStep_RejectsAtMaxPending(t *testing.T) {
	producer := NewMockProducer(false)
	step, err := messagepipeline.NewSimpleProduceStep(producer, "snuba-metrics", nil, 2, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, step.Submit(newRoutingRecord(0, 1, "m0")))
	require.NoError(t, step.Submit(newRoutingRecord(1, 1, "m1")))
	assert.ErrorIs(t, step.Submit(newRoutingRecord(2, 1, "m2")), messagepipeline.ErrMessageRejected)

	producer.Ack(0, nil)
	require.NoError(t, step.Submit(newRoutingRecord(2, 1, "m2")))
}

func TestSimpleProduceStep_FilteredMessagesCommitInOrder(t *testing.T) {
	producer := NewMockProducer(false)
	commits := &commitRecorder{}
	step, err := messagepipeline.NewSimpleProduceStep(producer, "snuba-metrics", commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, step.Submit(newRoutingRecord(0, 1, "m0")))
	marker := types.NewFiltered[types.RoutingPayload](map[types.Partition]int64{testPartition: 5}, time.Now())
	require.NoError(t, step.Submit(marker))
	assert.Equal(t, int64(-1), commits.Latest(testPartition), "The marker waits for the produce before it")
	assert.Len(t, producer.Values(), 1, "Filtered messages are not published")

	producer.Ack(0, nil)
	require.NoError(t, step.Poll())
	assert.Equal(t, int64(5), commits.Latest(testPartition))
}

func TestSimpleProduceStep_Validation(t *testing.T) {
	_, err := messagepipeline.NewSimpleProduceStep(nil, "topic", nil, 0, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewSimpleProduceStep(NewMockProducer(true), "", nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestSimpleProduceStep_JoinWaitsForAcks(t *testing.T) {
	producer := NewMockProducer(false)
	commits := &commitRecorder{}
	step, err := messagepipeline.NewSimpleProduceStep(producer, "snuba-metrics", commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, step.Submit(newRoutingRecord(0, 1, "m0")))
	step.Close()
	assert.ErrorIs(t, step.Submit(newRoutingRecord(1, 1, "m1")), messagepipeline.ErrStepClosed)

	go func() {
		time.Sleep(20 * time.Millisecond)
		producer.Ack(0, nil)
	}()
	require.NoError(t, step.Join(time.Second))
	assert.Equal(t, int64(1), commits.Latest(testPartition))
}

// --- Routing ---

type mockRouter struct {
	mu        sync.Mutex
	byOrg     map[int64]messagepipeline.Destination
	shutdowns int
}

func (r *mockRouter) Route(msg types.Message[types.RoutingPayload]) (messagepipeline.Destination, error) {
	dest, ok := r.byOrg[msg.Payload.RoutingHeader.OrgID]
	if !ok {
		return messagepipeline.Destination{}, fmt.Errorf("no route for org %d", msg.Payload.RoutingHeader.OrgID)
	}
	return dest, nil
}

func (r *mockRouter) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
}

func TestRoutingProduceStep_RequiresRouter(t *testing.T) {
	_, err := messagepipeline.NewRoutingProduceStep(nil, nil, 0, zerolog.Nop())
	assert.ErrorIs(t, err, messagepipeline.ErrRouterRequired)
}

func TestRoutingProduceStep_RoutesByOrg(t *testing.T) {
	sliceA := NewMockProducer(true)
	sliceB := NewMockProducer(true)
	router := &mockRouter{byOrg: map[int64]messagepipeline.Destination{
		1: {Producer: sliceA, Topic: "metrics-0"},
		2: {Producer: sliceB, Topic: "metrics-1"},
	}}
	commits := &commitRecorder{}
	step, err := messagepipeline.NewRoutingProduceStep(router, commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, step.Submit(newRoutingRecord(0, 1, "a")))
	require.NoError(t, step.Submit(newRoutingRecord(1, 2, "b")))
	require.NoError(t, step.Submit(newRoutingRecord(2, 1, "c")))

	assert.Equal(t, []string{"a", "c"}, sliceA.Values())
	assert.Equal(t, []string{"metrics-0", "metrics-0"}, sliceA.Topics())
	assert.Equal(t, []string{"b"}, sliceB.Values())
	assert.Equal(t, []string{"metrics-1"}, sliceB.Topics())

	step.Close()
	require.NoError(t, step.Join(time.Second))
	assert.Equal(t, int64(3), commits.Latest(testPartition))
	assert.Equal(t, 1, router.shutdowns)

	step.Terminate()
	assert.Equal(t, 1, router.shutdowns, "The router is shut down once")
}

func TestRoutingProduceStep_RoutingErrorIsFatal(t *testing.T) {
	router := &mockRouter{byOrg: map[int64]messagepipeline.Destination{}}
	step, err := messagepipeline.NewRoutingProduceStep(router, nil, 0, zerolog.Nop())
	require.NoError(t, err)

	err = step.Submit(newRoutingRecord(0, 42, "a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route for org 42")
}

// --- KafkaProducer against an in-process cluster ---

func TestKafkaProducer_ProducesAndAcks(t *testing.T) {
	const topic = "snuba-generic-metrics"
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic))
	require.NoError(t, err)
	defer cluster.Close()

	producer, err := messagepipeline.NewKafkaProducer(&messagepipeline.KafkaProducerConfig{
		Brokers:  cluster.ListenAddrs(),
		ClientID: "indexer-test",
	}, zerolog.Nop())
	require.NoError(t, err)
	defer producer.Close()

	commits := &commitRecorder{}
	step, err := messagepipeline.NewSimpleProduceStep(producer, topic, commits.Commit, 0, zerolog.Nop())
	require.NoError(t, err)

	msg := newRoutingRecord(7, 1, `{"metric_id":1}`)
	msg.Payload.Payload.Headers = []types.Header{{Key: "namespace", Value: []byte("transactions")}}
	require.NoError(t, step.Submit(msg))
	step.Close()
	require.NoError(t, step.Join(5*time.Second))
	assert.Equal(t, int64(8), commits.Latest(testPartition))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cluster.ListenAddrs()...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fetches := consumer.PollRecords(ctx, 1)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, `{"metric_id":1}`, string(records[0].Value))
	require.Len(t, records[0].Headers, 1)
	assert.Equal(t, "namespace", records[0].Headers[0].Key)
}

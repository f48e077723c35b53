package messagepipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
)

// receiveSingleMessage is a test helper to wait for one message from a subscription.
func receiveSingleMessage(t *testing.T, ctx context.Context, sub *pubsub.Subscription, timeout time.Duration) *pubsub.Message {
	t.Helper()
	var receivedMsg *pubsub.Message
	var mu sync.RWMutex

	receiveCtx, receiveCancel := context.WithTimeout(ctx, timeout)
	defer receiveCancel()

	err := sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
		mu.Lock()
		defer mu.Unlock()
		if receivedMsg == nil {
			receivedMsg = msg
			msg.Ack()
			receiveCancel()
		} else {
			msg.Nack()
		}
	})
	if err != nil && err != context.Canceled {
		t.Logf("Receive loop ended with error: %v", err)
	}

	mu.RLock()
	defer mu.RUnlock()
	return receivedMsg
}

// ====================================================================================
// This file contains mocks for the interfaces defined in this package.
// ====================================================================================

var testPartition = types.Partition{Topic: "ingest-metrics", Index: 0}

func newTestRecord(offset int64, value string) types.Message[types.KafkaPayload] {
	return types.NewRecord(types.KafkaPayload{Value: []byte(value)}, testPartition, offset, time.Now())
}

func newRoutingRecord(offset int64, orgID int64, value string) types.Message[types.RoutingPayload] {
	payload := types.RoutingPayload{
		RoutingHeader: types.RoutingHeader{OrgID: orgID},
		Payload:       types.KafkaPayload{Value: []byte(value)},
	}
	return types.NewRecord(payload, testPartition, offset, time.Now())
}

// --- MockStep ---

// MockStep is a ProcessingStep that records everything it receives.
// It can be told to reject submissions or to return errors from Poll.
type MockStep[T any] struct {
	mu         sync.Mutex
	received   []types.Message[T]
	rejectNext int
	rejectAll  bool
	pollErrs   []error
	polls      int
	closed     int
	terminated int
	joined     int
}

func NewMockStep[T any]() *MockStep[T] {
	return &MockStep[T]{}
}

func (m *MockStep[T]) Submit(msg types.Message[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAll {
		return messagepipeline.ErrMessageRejected
	}
	if m.rejectNext > 0 {
		m.rejectNext--
		return messagepipeline.ErrMessageRejected
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *MockStep[T]) Poll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if len(m.pollErrs) > 0 {
		err := m.pollErrs[0]
		m.pollErrs = m.pollErrs[1:]
		return err
	}
	return nil
}

func (m *MockStep[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *MockStep[T]) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated++
}

func (m *MockStep[T]) Join(_ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined++
	return nil
}

func (m *MockStep[T]) SetRejectNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

func (m *MockStep[T]) SetRejectAll(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAll = reject
}

func (m *MockStep[T]) GetReceived() []types.Message[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message[T], len(m.received))
	copy(out, m.received)
	return out
}

func (m *MockStep[T]) Counts() (closed, terminated, joined int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.terminated, m.joined
}

// --- MockProducer ---

type producedMessage struct {
	topic   string
	payload types.KafkaPayload
	onAck   func(error)
}

// MockProducer records produce calls. With autoAck set it acknowledges
// immediately, otherwise the test acknowledges through Ack.
type MockProducer struct {
	mu       sync.Mutex
	autoAck  bool
	ackErr   error
	produced []producedMessage
}

func NewMockProducer(autoAck bool) *MockProducer {
	return &MockProducer{autoAck: autoAck}
}

func (m *MockProducer) Produce(_ context.Context, topic string, payload types.KafkaPayload, onAck func(error)) {
	m.mu.Lock()
	m.produced = append(m.produced, producedMessage{topic: topic, payload: payload, onAck: onAck})
	autoAck, ackErr := m.autoAck, m.ackErr
	m.mu.Unlock()
	if autoAck {
		onAck(ackErr)
	}
}

// Ack acknowledges the i-th produced message.
func (m *MockProducer) Ack(i int, err error) {
	m.mu.Lock()
	onAck := m.produced[i].onAck
	m.mu.Unlock()
	onAck(err)
}

func (m *MockProducer) Values() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.produced))
	for _, p := range m.produced {
		out = append(out, string(p.payload.Value))
	}
	return out
}

func (m *MockProducer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.produced))
	for _, p := range m.produced {
		out = append(out, p.topic)
	}
	return out
}

// --- commitRecorder ---

type commitRecorder struct {
	mu      sync.Mutex
	commits []map[types.Partition]int64
}

func (c *commitRecorder) Commit(offsets map[types.Partition]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[types.Partition]int64, len(offsets))
	for k, v := range offsets {
		cp[k] = v
	}
	c.commits = append(c.commits, cp)
}

// Latest returns the highest committed offset for p, or -1.
func (c *commitRecorder) Latest(p types.Partition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	latest := int64(-1)
	for _, cm := range c.commits {
		if o, ok := cm[p]; ok && o > latest {
			latest = o
		}
	}
	return latest
}

package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Jeffail/checkpoint"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// Producer publishes a payload to a topic and reports the outcome through
// onAck, possibly from another goroutine. onAck must be called exactly once.
type Producer interface {
	Produce(ctx context.Context, topic string, payload types.KafkaPayload, onAck func(error))
}

// Destination is where one message is published.
type Destination struct {
	Producer Producer
	Topic    string
}

// MessageRouter chooses the destination of each message.
type MessageRouter interface {
	Route(msg types.Message[types.RoutingPayload]) (Destination, error)
	// Shutdown releases the router's producers.
	Shutdown()
}

const defaultMaxPending = 10000

type offsetResolver struct {
	partition types.Partition
	resolve   func() *int64
}

type produceAck struct {
	resolvers []offsetResolver
	err       error
}

// produceStep is the terminal step shared by the simple and routing
// producers. Offsets are tracked per source partition and handed to the
// CommitFunc only once every earlier message of that partition has been
// acknowledged by the transport.
type produceStep struct {
	route      func(types.Message[types.RoutingPayload]) (Destination, error)
	onShutdown func()
	commit     CommitFunc
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	trackers   map[types.Partition]*checkpoint.Uncapped[int64]
	acks       chan produceAck
	pending    int
	maxPending int

	failed   error
	closed   bool
	shutdown bool
}

func newProduceStep(
	route func(types.Message[types.RoutingPayload]) (Destination, error),
	onShutdown func(),
	commit CommitFunc,
	maxPending int,
	logger zerolog.Logger,
) *produceStep {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	if commit == nil {
		commit = func(map[types.Partition]int64) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &produceStep{
		route:      route,
		onShutdown: onShutdown,
		commit:     commit,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		trackers:   make(map[types.Partition]*checkpoint.Uncapped[int64]),
		acks:       make(chan produceAck, maxPending),
		maxPending: maxPending,
	}
}

// Submit publishes msg asynchronously. Filtered messages are not published
// but their offsets are tracked in order with everything else.
func (p *produceStep) Submit(msg types.Message[types.RoutingPayload]) error {
	if p.failed != nil {
		return p.failed
	}
	if p.closed {
		return ErrStepClosed
	}
	if err := p.drain(); err != nil {
		return err
	}
	if p.pending >= p.maxPending {
		return ErrMessageRejected
	}

	if msg.Filtered {
		p.resolve(p.track(msg))
		return nil
	}

	dest, err := p.route(msg)
	if err != nil {
		return p.fail(fmt.Errorf("failed to route message: %w", err))
	}
	resolvers := p.track(msg)
	p.pending++
	acks := p.acks
	dest.Producer.Produce(p.ctx, dest.Topic, msg.Payload.Payload, func(err error) {
		acks <- produceAck{resolvers: resolvers, err: err}
	})
	return nil
}

// Poll processes acknowledgements received since the last call.
func (p *produceStep) Poll() error {
	if p.failed != nil {
		return p.failed
	}
	return p.drain()
}

func (p *produceStep) Close() {
	p.closed = true
}

// Terminate abandons outstanding produces. Their offsets are never committed.
func (p *produceStep) Terminate() {
	p.closed = true
	p.cancel()
	p.stop()
}

// Join waits up to timeout for outstanding produces to be acknowledged.
func (p *produceStep) Join(timeout time.Duration) error {
	defer p.stop()
	if p.failed != nil {
		return p.failed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for p.pending > 0 {
		select {
		case ack := <-p.acks:
			if err := p.handleAck(ack); err != nil {
				return err
			}
		case <-timer.C:
			p.logger.Warn().Int("pending", p.pending).Msg("Join timeout reached with produces still outstanding.")
			return nil
		}
	}
	return nil
}

func (p *produceStep) stop() {
	if p.shutdown {
		return
	}
	p.shutdown = true
	if p.onShutdown != nil {
		p.onShutdown()
	}
}

func (p *produceStep) track(msg types.Message[types.RoutingPayload]) []offsetResolver {
	committable := msg.Committable()
	resolvers := make([]offsetResolver, 0, len(committable))
	for partition, offset := range committable {
		tracker, ok := p.trackers[partition]
		if !ok {
			tracker = checkpoint.NewUncapped[int64]()
			p.trackers[partition] = tracker
		}
		resolvers = append(resolvers, offsetResolver{
			partition: partition,
			resolve:   tracker.Track(offset, 1),
		})
	}
	return resolvers
}

func (p *produceStep) resolve(resolvers []offsetResolver) {
	offsets := make(map[types.Partition]int64, len(resolvers))
	for _, r := range resolvers {
		if highest := r.resolve(); highest != nil {
			offsets[r.partition] = *highest
		}
	}
	if len(offsets) > 0 {
		p.commit(offsets)
	}
}

func (p *produceStep) drain() error {
	for {
		select {
		case ack := <-p.acks:
			if err := p.handleAck(ack); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *produceStep) handleAck(ack produceAck) error {
	p.pending--
	if ack.err != nil {
		return p.fail(fmt.Errorf("failed to produce message: %w", ack.err))
	}
	p.resolve(ack.resolvers)
	return nil
}

func (p *produceStep) fail(err error) error {
	if p.failed == nil {
		p.logger.Error().Err(err).Msg("Producer step failed.")
		p.failed = err
	}
	return p.failed
}

// SimpleProduceStep publishes every message to one fixed topic.
type SimpleProduceStep struct {
	*produceStep
}

// NewSimpleProduceStep creates a producer step writing to topic. The producer
// is owned by the caller.
func NewSimpleProduceStep(producer Producer, topic string, commit CommitFunc, maxPending int, logger zerolog.Logger) (*SimpleProduceStep, error) {
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}
	if topic == "" {
		return nil, errors.New("output topic cannot be empty")
	}
	dest := Destination{Producer: producer, Topic: topic}
	log := logger.With().Str("component", "SimpleProduceStep").Str("topic", topic).Logger()
	route := func(types.Message[types.RoutingPayload]) (Destination, error) { return dest, nil }
	return &SimpleProduceStep{newProduceStep(route, nil, commit, maxPending, log)}, nil
}

// RoutingProduceStep publishes each message to the destination its router
// picks. The router is shut down when the step is joined or terminated.
type RoutingProduceStep struct {
	*produceStep
}

// NewRoutingProduceStep creates a routing producer step. A nil router is a
// configuration error.
func NewRoutingProduceStep(router MessageRouter, commit CommitFunc, maxPending int, logger zerolog.Logger) (*RoutingProduceStep, error) {
	if router == nil {
		return nil, ErrRouterRequired
	}
	log := logger.With().Str("component", "RoutingProduceStep").Logger()
	return &RoutingProduceStep{newProduceStep(router.Route, router.Shutdown, commit, maxPending, log)}, nil
}

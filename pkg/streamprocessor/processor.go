package streamprocessor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/metrics"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// DeadLetterReasonInvalid is the reason attribute of dead-lettered records.
const DeadLetterReasonInvalid = "invalid_message"

// ErrDeadLetterRecordMissing is returned when an invalid record must be
// dead-lettered but was already evicted from the record buffer. The run
// stops so that the record is re-delivered instead of committed past.
var ErrDeadLetterRecordMissing = errors.New("invalid record is no longer buffered for dead-lettering")

// Consumer is the source log as seen by the driver.
type Consumer interface {
	// ValidateOffsets fails before consumption when committed offsets are
	// unusable and strict offset reset is enabled.
	ValidateOffsets(ctx context.Context) error
	Poll(ctx context.Context, max int) ([]types.Message[types.KafkaPayload], error)
	// Stage marks offsets as ready to commit.
	Stage(offsets map[types.Partition]int64)
	// Commit commits everything staged so far.
	Commit(ctx context.Context) error
	Close()
}

// Config holds the driver options.
type Config struct {
	// JoinTimeout bounds the graceful drain on shutdown. Zero abandons
	// in-flight work immediately.
	JoinTimeout    time.Duration
	CommitInterval time.Duration
	PollTimeout    time.Duration
	MaxPollRecords int
	// DeadLetterTimeout bounds each dead-letter publish.
	DeadLetterTimeout time.Duration
	// MaxBufferedPerPartition bounds the records kept per partition for
	// dead-lettering. It must cover every record the chain can hold, an
	// invalid record evicted before it is raised fails the run.
	MaxBufferedPerPartition int
}

func (c *Config) applyDefaults() {
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.DeadLetterTimeout <= 0 {
		c.DeadLetterTimeout = 10 * time.Second
	}
	if c.MaxBufferedPerPartition <= 0 {
		c.MaxBufferedPerPartition = 10000
	}
}

// StreamProcessor drives one consumer through a processing chain: it polls
// records, submits them to the head of the chain, raises invalid records to
// the dead-letter publisher and commits offsets the chain reports as done.
//
// Everything except Shutdown and Terminate runs on the goroutine that
// calls Run.
type StreamProcessor struct {
	consumer   Consumer
	factory    StrategyFactory
	deadLetter messagepipeline.SimplePublisher
	metrics    *metrics.Metrics
	cfg        Config
	logger     zerolog.Logger

	sig *shutdown.Signaller

	head    messagepipeline.ProcessingStep[types.KafkaPayload]
	pending []types.Message[types.KafkaPayload]
	// recent records, kept for dead-lettering
	records *recordBuffer
}

// NewStreamProcessor creates a driver. deadLetter and m may be nil.
func NewStreamProcessor(
	consumer Consumer,
	factory StrategyFactory,
	deadLetter messagepipeline.SimplePublisher,
	m *metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) (*StreamProcessor, error) {
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("strategy factory cannot be nil")
	}
	cfg.applyDefaults()
	return &StreamProcessor{
		consumer:   consumer,
		factory:    factory,
		deadLetter: deadLetter,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With().Str("component", "StreamProcessor").Logger(),
		sig:        shutdown.NewSignaller(),
		records:    newRecordBuffer(cfg.MaxBufferedPerPartition),
	}, nil
}

// Run consumes until ctx is cancelled, Shutdown or Terminate is called, or a
// fatal error occurs. On a graceful stop the chain is drained for up to the
// join timeout and the final offsets are committed. The consumer is closed
// before Run returns.
func (s *StreamProcessor) Run(ctx context.Context) (err error) {
	defer s.sig.TriggerHasStopped()
	defer s.consumer.Close()

	if err := s.consumer.ValidateOffsets(ctx); err != nil {
		return fmt.Errorf("offset validation failed: %w", err)
	}
	head, err := s.factory(s.onCommit)
	if err != nil {
		return fmt.Errorf("failed to build processing chain: %w", err)
	}
	s.head = head
	s.logger.Info().Dur("join_timeout", s.cfg.JoinTimeout).Dur("commit_interval", s.cfg.CommitInterval).Msg("Stream processor started.")

	if err := s.consume(ctx); err != nil {
		s.metrics.FatalError()
		s.logger.Error().Err(err).Msg("Stream processor failed, terminating pipeline.")
		s.head.Terminate()
		return err
	}
	if s.sig.IsHardStopSignalled() {
		s.logger.Warn().Msg("Stream processor terminated, in-flight work abandoned.")
		s.head.Terminate()
		return nil
	}

	s.logger.Info().Int("unsubmitted", len(s.pending)).Msg("Stopping consumption, draining pipeline.")
	s.pending = nil
	if err := s.drain(); err != nil {
		s.metrics.FatalError()
		s.logger.Error().Err(err).Msg("Pipeline failed while draining.")
		s.head.Terminate()
		return err
	}
	s.commit(context.Background())
	s.logger.Info().Msg("Stream processor stopped.")
	return nil
}

// Shutdown asks Run to stop consuming and drain gracefully.
func (s *StreamProcessor) Shutdown() {
	s.sig.TriggerSoftStop()
}

// Terminate asks Run to stop immediately, abandoning in-flight work.
func (s *StreamProcessor) Terminate() {
	s.sig.TriggerSoftStop()
	s.sig.TriggerHardStop()
}

// Done is closed once Run has returned.
func (s *StreamProcessor) Done() <-chan struct{} {
	return s.sig.HasStoppedChan()
}

func (s *StreamProcessor) consume(ctx context.Context) error {
	runCtx, cancel := s.sig.SoftStopCtx(ctx)
	defer cancel()

	lastCommit := time.Now()
	for runCtx.Err() == nil {
		if len(s.pending) == 0 {
			pollCtx, pollCancel := context.WithTimeout(runCtx, s.cfg.PollTimeout)
			msgs, err := s.consumer.Poll(pollCtx, s.cfg.MaxPollRecords)
			pollCancel()
			if err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to poll source: %w", err)
			}
			s.accept(msgs)
		}

		rejected, err := s.submitPending()
		if err != nil {
			return err
		}
		if err := s.poll(); err != nil {
			return err
		}
		if time.Since(lastCommit) >= s.cfg.CommitInterval {
			s.commit(runCtx)
			lastCommit = time.Now()
		}
		if rejected {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (s *StreamProcessor) accept(msgs []types.Message[types.KafkaPayload]) {
	if len(msgs) == 0 {
		return
	}
	s.metrics.RecordsConsumed(len(msgs))
	if s.deadLetter != nil {
		for _, m := range msgs {
			s.records.add(m)
		}
	}
	s.pending = msgs
}

// submitPending hands pending records to the chain until it pushes back.
func (s *StreamProcessor) submitPending() (rejected bool, err error) {
	for len(s.pending) > 0 {
		err := s.head.Submit(s.pending[0])
		switch {
		case err == nil:
			s.pending = s.pending[1:]
		case errors.Is(err, messagepipeline.ErrMessageRejected):
			s.metrics.Backpressure()
			return true, nil
		case messagepipeline.IsInvalidMessage(err):
			if err := s.handleInvalid(err); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("failed to submit record: %w", err)
		}
	}
	s.pending = nil
	return false, nil
}

// poll advances the chain, handling every invalid record it raises.
func (s *StreamProcessor) poll() error {
	for {
		err := s.head.Poll()
		if err == nil {
			return nil
		}
		if !messagepipeline.IsInvalidMessage(err) {
			return err
		}
		if err := s.handleInvalid(err); err != nil {
			return err
		}
	}
}

// drain joins the chain, handling invalid records it raises on the way.
// The join timeout bounds the whole drain, not each attempt.
func (s *StreamProcessor) drain() error {
	s.head.Close()
	deadline := time.Now().Add(s.cfg.JoinTimeout)
	for {
		err := s.head.Join(max(time.Until(deadline), 0))
		if err == nil {
			return nil
		}
		if !messagepipeline.IsInvalidMessage(err) {
			return err
		}
		if err := s.handleInvalid(err); err != nil {
			return err
		}
	}
}

// handleInvalid dead-letters an invalid record. A failed publish is fatal so
// that the record is re-delivered rather than committed past.
func (s *StreamProcessor) handleInvalid(err error) error {
	var invalid *messagepipeline.InvalidMessageError
	if !errors.As(err, &invalid) {
		return err
	}
	s.metrics.InvalidMessage()
	log := s.logger.With().Str("partition", invalid.Partition.String()).Int64("offset", invalid.Offset).Logger()

	if s.deadLetter == nil {
		log.Warn().Msg("Skipping invalid message.")
		return nil
	}
	record, ok := s.records.pop(invalid.Partition, invalid.Offset)
	if !ok {
		s.metrics.DeadLettered(ErrDeadLetterRecordMissing)
		return fmt.Errorf("%w: %s offset %d", ErrDeadLetterRecordMissing, invalid.Partition, invalid.Offset)
	}

	attrs := map[string]string{
		messagepipeline.DeadLetterAttrTopic:     invalid.Partition.Topic,
		messagepipeline.DeadLetterAttrPartition: strconv.Itoa(int(invalid.Partition.Index)),
		messagepipeline.DeadLetterAttrOffset:    strconv.FormatInt(invalid.Offset, 10),
		messagepipeline.DeadLetterAttrReason:    DeadLetterReasonInvalid,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeadLetterTimeout)
	defer cancel()
	pubErr := s.deadLetter.Publish(ctx, record.Payload.Value, attrs)
	s.metrics.DeadLettered(pubErr)
	if pubErr != nil {
		return fmt.Errorf("failed to dead-letter %s offset %d: %w", invalid.Partition, invalid.Offset, pubErr)
	}
	log.Warn().Msg("Invalid message sent to dead-letter topic.")
	return nil
}

// onCommit is the chain's CommitFunc. It runs on the Run goroutine.
func (s *StreamProcessor) onCommit(offsets map[types.Partition]int64) {
	s.consumer.Stage(offsets)
	if s.deadLetter != nil {
		for p, o := range offsets {
			s.records.release(p, o)
		}
	}
}

func (s *StreamProcessor) commit(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	err := s.consumer.Commit(ctx)
	s.metrics.Commit(time.Since(start), err)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to commit offsets, will retry.")
	}
}

// recordBuffer holds uncommitted records per partition in offset order, at
// most limit of them each.
type recordBuffer struct {
	limit int
	parts map[types.Partition][]types.Message[types.KafkaPayload]
}

func newRecordBuffer(limit int) *recordBuffer {
	return &recordBuffer{limit: limit, parts: make(map[types.Partition][]types.Message[types.KafkaPayload])}
}

func (b *recordBuffer) add(msg types.Message[types.KafkaPayload]) {
	if msg.Origin == nil {
		return
	}
	p := msg.Origin.Partition
	msgs := b.parts[p]
	// A rewind after a rebalance replaces what was buffered from that offset on.
	if n := len(msgs); n > 0 && msgs[n-1].Origin.Offset >= msg.Origin.Offset {
		msgs = msgs[:b.search(msgs, msg.Origin.Offset)]
	}
	msgs = append(msgs, msg)
	if len(msgs) > b.limit {
		msgs = msgs[len(msgs)-b.limit:]
	}
	b.parts[p] = msgs
}

// pop returns the record at offset, discarding it and everything before it.
func (b *recordBuffer) pop(p types.Partition, offset int64) (types.Message[types.KafkaPayload], bool) {
	msgs := b.parts[p]
	i := b.search(msgs, offset)
	if i < len(msgs) && msgs[i].Origin.Offset == offset {
		b.parts[p] = msgs[i+1:]
		return msgs[i], true
	}
	b.parts[p] = msgs[i:]
	return types.Message[types.KafkaPayload]{}, false
}

// release discards records below next, they can no longer be raised.
func (b *recordBuffer) release(p types.Partition, next int64) {
	msgs := b.parts[p]
	b.parts[p] = msgs[b.search(msgs, next):]
}

func (b *recordBuffer) buffered(p types.Partition) int {
	return len(b.parts[p])
}

func (b *recordBuffer) search(msgs []types.Message[types.KafkaPayload], offset int64) int {
	return sort.Search(len(msgs), func(i int) bool { return msgs[i].Origin.Offset >= offset })
}

package messagepipeline

import (
	"errors"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// BatcherConfig holds the sealing thresholds of a BatchStep.
type BatcherConfig struct {
	// MaxBatchSize seals the batch once it holds this many messages.
	MaxBatchSize int
	// MaxBatchTime seals the batch once this much time has passed since its
	// first message arrived.
	MaxBatchTime time.Duration
}

// BatchStep groups consecutive messages into a types.Batch and forwards the
// sealed batch to the next step. A batch is sealed when it reaches
// MaxBatchSize or when MaxBatchTime has elapsed since its first message,
// whichever comes first. The time check runs on every Submit and Poll so
// a partial batch is sealed on the next poll after the deadline even if no
// further messages arrive.
type BatchStep[T any] struct {
	next   ProcessingStep[types.Batch[T]]
	cfg    BatcherConfig
	logger zerolog.Logger
	now    func() time.Time

	current   []types.Message[T]
	offsets   map[types.Partition]int64
	startedAt time.Time
	latest    time.Time

	// sealed holds a batch the next step rejected. Nothing else is accepted
	// until it has been forwarded.
	sealed *types.Message[types.Batch[T]]
	// marker holds a filtered message waiting behind a sealed batch.
	marker *types.Message[types.Batch[T]]

	closed bool
}

// NewBatchStep creates a new BatchStep. Invalid thresholds are replaced
// with defaults and a warning is logged.
func NewBatchStep[T any](cfg BatcherConfig, next ProcessingStep[types.Batch[T]], logger zerolog.Logger) *BatchStep[T] {
	if cfg.MaxBatchSize <= 0 {
		logger.Warn().Int("max_batch_size", cfg.MaxBatchSize).Msg("MaxBatchSize is non-positive, defaulting to 50.")
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxBatchTime <= 0 {
		logger.Warn().Dur("max_batch_time", cfg.MaxBatchTime).Msg("MaxBatchTime is non-positive, defaulting to 1s.")
		cfg.MaxBatchTime = time.Second
	}
	return &BatchStep[T]{
		next:   next,
		cfg:    cfg,
		logger: logger.With().Str("component", "BatchStep").Logger(),
		now:    time.Now,
	}
}

// Submit adds msg to the open batch.
func (b *BatchStep[T]) Submit(msg types.Message[T]) error {
	if b.closed {
		return ErrStepClosed
	}
	if err := b.flushHeld(); err != nil {
		return err
	}

	if msg.Filtered {
		// Flush what precedes the marker so its offsets stay in order.
		if err := b.seal(); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
		marker := types.FilteredFrom[types.Batch[T]](msg)
		if b.sealed != nil {
			b.marker = &marker
			return nil
		}
		return b.forwardMarker(marker)
	}

	if len(b.current) > 0 && b.expired() {
		if err := b.seal(); err != nil {
			if errors.Is(err, ErrMessageRejected) {
				return ErrMessageRejected
			}
			return err
		}
	}

	if len(b.current) == 0 {
		b.startedAt = b.now()
		b.offsets = make(map[types.Partition]int64)
	}
	b.current = append(b.current, msg)
	types.MergeOffsets(b.offsets, msg.Committable())
	if msg.Timestamp.After(b.latest) {
		b.latest = msg.Timestamp
	}

	if len(b.current) >= b.cfg.MaxBatchSize {
		if err := b.seal(); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
	}
	return nil
}

// Poll seals the open batch if it has outlived MaxBatchTime, retries any
// rejected batch and polls the next step.
func (b *BatchStep[T]) Poll() error {
	if err := b.flushHeld(); err != nil && !errors.Is(err, ErrMessageRejected) {
		return err
	}
	if b.sealed == nil && len(b.current) > 0 && b.expired() {
		if err := b.seal(); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
	}
	return b.next.Poll()
}

// Close stops accepting messages. The open batch is flushed by Join.
func (b *BatchStep[T]) Close() {
	b.closed = true
}

// Terminate drops the open batch and terminates the next step.
func (b *BatchStep[T]) Terminate() {
	b.closed = true
	b.current = nil
	b.sealed = nil
	b.marker = nil
	b.next.Terminate()
}

// Join flushes the open batch, then closes and joins the next step.
func (b *BatchStep[T]) Join(timeout time.Duration) error {
	deadline := b.now().Add(timeout)

	if len(b.current) > 0 && b.sealed == nil {
		if err := b.seal(); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
	}
	for b.sealed != nil || b.marker != nil {
		err := b.flushHeld()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMessageRejected) {
			return err
		}
		if !b.now().Before(deadline) {
			b.logger.Warn().Msg("Join timeout reached with a batch still pending, dropping it.")
			b.sealed, b.marker = nil, nil
			break
		}
		// Let the next step drain so it accepts the held batch.
		if err := b.next.Poll(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}

	b.next.Close()
	return b.next.Join(remaining(deadline, b.now()))
}

func (b *BatchStep[T]) expired() bool {
	return b.now().Sub(b.startedAt) >= b.cfg.MaxBatchTime
}

// seal turns the open batch into a message and forwards it. On rejection the
// batch is held and ErrMessageRejected is returned.
func (b *BatchStep[T]) seal() error {
	if len(b.current) == 0 {
		return nil
	}
	batch := types.Batch[T]{Messages: b.current}
	msg := types.NewMessage(batch, b.offsets, b.latest)
	b.current = nil
	b.offsets = nil
	b.latest = time.Time{}

	b.logger.Debug().Int("batch_size", batch.Len()).Msg("Batch sealed.")
	if err := b.next.Submit(msg); err != nil {
		if errors.Is(err, ErrMessageRejected) {
			b.sealed = &msg
		}
		return err
	}
	return nil
}

// flushHeld retries a batch (and a marker behind it) the next step rejected earlier.
func (b *BatchStep[T]) flushHeld() error {
	if b.sealed != nil {
		if err := b.next.Submit(*b.sealed); err != nil {
			return err
		}
		b.sealed = nil
	}
	if b.marker != nil {
		if err := b.next.Submit(*b.marker); err != nil {
			return err
		}
		b.marker = nil
	}
	return nil
}

func (b *BatchStep[T]) forwardMarker(marker types.Message[types.Batch[T]]) error {
	if err := b.next.Submit(marker); err != nil {
		if errors.Is(err, ErrMessageRejected) {
			b.marker = &marker
			return nil
		}
		return err
	}
	return nil
}

func remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

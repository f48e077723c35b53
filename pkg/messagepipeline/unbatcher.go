package messagepipeline

import (
	"errors"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// Accountant receives the usage accounting of every processed batch.
type Accountant interface {
	Record(cogs types.CogsData)
}

// Unbatcher explodes processed batches back into single messages for the
// producer, and replays the batch's invalid records as errors.
//
// Invalid records are queued on Submit and raised from Poll one at a time,
// oldest first, before the next step is polled. While any are queued, Submit
// rejects further batches so a batch's errors always surface before the
// outputs of a later batch.
type Unbatcher struct {
	next       ProcessingStep[types.RoutingPayload]
	accountant Accountant
	logger     zerolog.Logger

	invalid []types.InvalidMessageMeta
	held    []types.Message[types.RoutingPayload]
	// trailer commits the whole batch once its invalid records have been
	// raised. It covers batches whose records were all invalid.
	trailer *types.Message[types.RoutingPayload]
	closed  bool
}

// NewUnbatcher creates a new Unbatcher. accountant may be nil.
func NewUnbatcher(next ProcessingStep[types.RoutingPayload], accountant Accountant, logger zerolog.Logger) *Unbatcher {
	return &Unbatcher{
		next:       next,
		accountant: accountant,
		logger:     logger.With().Str("component", "Unbatcher").Logger(),
	}
}

// Submit queues the batch's invalid records and forwards its outputs in order.
func (u *Unbatcher) Submit(msg types.Message[types.IndexerOutputBatch]) error {
	if u.closed {
		return ErrStepClosed
	}
	if u.busy() {
		if err := u.flushHeld(); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
		if u.busy() {
			return ErrMessageRejected
		}
	}
	if msg.Filtered {
		return u.next.Submit(types.FilteredFrom[types.RoutingPayload](msg))
	}

	batch := msg.Payload
	if len(batch.InvalidMessages) > 0 {
		u.logger.Debug().Int("invalid_count", len(batch.InvalidMessages)).Msg("Queueing invalid messages.")
		u.invalid = append(u.invalid, batch.InvalidMessages...)
		trailer := types.NewFiltered[types.RoutingPayload](msg.Committable(), msg.Timestamp)
		u.trailer = &trailer
	}
	if u.accountant != nil && len(batch.Cogs) > 0 {
		u.accountant.Record(batch.Cogs)
	}

	u.held = append(u.held, batch.Data...)
	if err := u.flushHeld(); err != nil && !errors.Is(err, ErrMessageRejected) {
		return err
	}
	return nil
}

// Poll raises the oldest queued invalid record, if any, before polling the
// next step.
func (u *Unbatcher) Poll() error {
	if err := u.popInvalid(); err != nil {
		return err
	}
	if err := u.flushHeld(); err != nil && !errors.Is(err, ErrMessageRejected) {
		return err
	}
	return u.next.Poll()
}

// Close stops accepting batches. Queued invalid records are still raised.
func (u *Unbatcher) Close() {
	u.closed = true
}

// Terminate drops queued state and terminates the next step.
func (u *Unbatcher) Terminate() {
	u.closed = true
	u.invalid = nil
	u.held = nil
	u.trailer = nil
	u.next.Terminate()
}

// Join raises any queued invalid records, forwards held outputs, then closes
// and joins the next step.
func (u *Unbatcher) Join(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := u.popInvalid(); err != nil {
		return err
	}
	for len(u.held) > 0 || u.trailer != nil {
		err := u.flushHeld()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMessageRejected) {
			return err
		}
		if !time.Now().Before(deadline) {
			u.logger.Warn().Int("dropped", len(u.held)).Msg("Join timeout reached with outputs still held.")
			u.held = nil
			u.trailer = nil
			break
		}
		if err := u.next.Poll(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	u.next.Close()
	return u.next.Join(remaining(deadline, time.Now()))
}

func (u *Unbatcher) popInvalid() error {
	if len(u.invalid) == 0 {
		return nil
	}
	meta := u.invalid[0]
	u.invalid = u.invalid[1:]
	return &InvalidMessageError{Partition: meta.Partition, Offset: meta.Offset}
}

func (u *Unbatcher) busy() bool {
	return len(u.invalid) > 0 || len(u.held) > 0 || u.trailer != nil
}

// flushHeld forwards outputs the next step rejected earlier, then the
// batch trailer once every invalid record has been raised.
func (u *Unbatcher) flushHeld() error {
	for len(u.held) > 0 {
		if err := u.next.Submit(u.held[0]); err != nil {
			return err
		}
		u.held = u.held[1:]
	}
	u.held = nil
	if u.trailer != nil && len(u.invalid) == 0 {
		if err := u.next.Submit(*u.trailer); err != nil {
			return err
		}
		u.trailer = nil
	}
	return nil
}

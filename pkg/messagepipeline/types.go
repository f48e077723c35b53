package messagepipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
)

// ====================================================================================
// This file defines the core contracts shared by every step of the indexing
// pipeline: batching, parallel transform, unbatching and producing.
// ====================================================================================

// --- Core Pipeline Interfaces ---

// ProcessingStep is one stage of the pipeline. Steps are chained: each step
// owns the next one and forwards its results to it.
//
// All methods are called from a single goroutine (the stream processor's
// driver loop). Only ParallelRunner.Submit may block that goroutine.
type ProcessingStep[T any] interface {
	// Submit hands a message to the step. ErrMessageRejected means the step
	// is applying back-pressure and the same message must be retried later.
	Submit(msg types.Message[T]) error
	// Poll gives the step a chance to make progress (time-based flushes,
	// forwarding completed work). It may return an *InvalidMessageError,
	// after which the pipeline continues, or any other error, which is fatal.
	Poll() error
	// Close signals that no more messages will be submitted.
	Close()
	// Terminate stops the step immediately, dropping in-flight work, and
	// propagates to the next step.
	Terminate()
	// Join waits up to timeout for in-flight work to be forwarded, then
	// closes and joins the next step. It may return an *InvalidMessageError,
	// in which case the caller handles it and calls Join again.
	Join(timeout time.Duration) error
}

// CommitFunc receives offsets that have become safe to commit. The map holds
// the next offset to consume per partition.
type CommitFunc func(offsets map[types.Partition]int64)

// --- Errors ---

var (
	// ErrMessageRejected signals back-pressure: retry the same message later.
	ErrMessageRejected = errors.New("message rejected, retry later")
	// ErrStepClosed is returned when submitting to a closed or terminated step.
	ErrStepClosed = errors.New("processing step is closed")
	// ErrRouterRequired is returned when a routing producer is built without a router.
	ErrRouterRequired = errors.New("a message router is required for sliced output")
)

// InvalidMessageError reports one input record that could not be processed.
// It is not fatal: the driver records it and keeps going.
type InvalidMessageError struct {
	Partition types.Partition
	Offset    int64
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message at %s offset %d", e.Partition, e.Offset)
}

// IsInvalidMessage reports whether err is, or wraps, an *InvalidMessageError.
func IsInvalidMessage(err error) bool {
	var invalid *InvalidMessageError
	return errors.As(err, &invalid)
}

// WorkerError is a fatal failure inside a transform worker: a transform that
// returned an error or panicked. The batch it was working on is never committed.
type WorkerError struct {
	WorkerID int
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed: %v", e.WorkerID, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

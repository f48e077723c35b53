package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/vmihailenco/msgpack/v5"
)

// ====================================================================================
// This file contains the parallel transform runner: a fixed pool of workers
// fed with groups of messages, with bounded memory and in-order delivery.
// ====================================================================================

// TransformFunc processes one message payload inside a worker.
type TransformFunc[In, Out any] func(ctx context.Context, payload In) (Out, error)

// Initializer runs once inside each worker before it accepts work. It builds
// the worker's transform along with any resources the worker owns privately
// (caches, store connections). cleanup is called when the worker exits.
type Initializer[In, Out any] func(ctx context.Context, workerID int) (fn TransformFunc[In, Out], cleanup func() error, err error)

// ParallelRunnerConfig holds the sizing of a ParallelRunner.
type ParallelRunnerConfig struct {
	NumWorkers int
	// MaxBatchSize is the number of messages grouped into one unit of work.
	MaxBatchSize int
	// MaxBatchTime dispatches a partial group once it is this old.
	MaxBatchTime time.Duration
	// InputBlockSize bounds the encoded bytes of groups waiting for, or being
	// processed by, the workers.
	InputBlockSize int
	// OutputBlockSize bounds the encoded bytes of results waiting to be
	// forwarded downstream.
	OutputBlockSize int
	// MaxOutstanding bounds the number of groups in flight.
	MaxOutstanding int
	// MaxBackpressureWait bounds how long Submit waits for capacity before
	// returning ErrMessageRejected to the caller.
	MaxBackpressureWait time.Duration
}

type runnerTask struct {
	seq   uint64
	block []byte
}

type runnerResult struct {
	seq      uint64
	workerID int
	block    []byte
	err      error
}

// runnerSlot tracks one group from dispatch until all of its results have
// been forwarded. Message metadata stays on the driver side, only payloads
// cross to the workers.
type runnerSlot[In, Out any] struct {
	messages []types.Message[In]
	marker   *types.Message[In]
	inBytes  int
	done     bool
	outputs  []Out
	outBytes int
	cursor   int
}

// ParallelRunner fans message payloads out to a pool of worker goroutines
// and forwards the results to the next step strictly in submission order.
//
// Submit blocks while the pool is saturated (too many groups in flight or
// a memory region is full), for at most MaxBackpressureWait. While blocked
// it keeps forwarding completed results, so the driver is never deadlocked
// by its own back-pressure. If the next step itself rejects, or the wait
// runs out, Submit returns ErrMessageRejected and the caller retries later.
type ParallelRunner[In, Out any] struct {
	cfg    ParallelRunnerConfig
	next   ProcessingStep[Out]
	logger zerolog.Logger
	now    func() time.Time

	sig        *shutdown.Signaller
	tasks      chan runnerTask
	results    chan runnerResult
	closeTasks sync.Once

	current        []types.Message[In]
	currentStarted time.Time
	sealed         bool
	encoded        []byte

	slots       map[uint64]*runnerSlot[In, Out]
	nextSeq     uint64
	nextDeliver uint64
	inFlight    int
	inBytes     int
	outBytes    int

	failed error
	closed bool
}

// NewParallelRunner starts cfg.NumWorkers workers, running init inside each
// of them, and returns once all are ready. If any worker fails to
// initialise the pool is torn down and the error returned.
func NewParallelRunner[In, Out any](
	cfg ParallelRunnerConfig,
	init Initializer[In, Out],
	next ProcessingStep[Out],
	logger zerolog.Logger,
) (*ParallelRunner[In, Out], error) {
	if init == nil {
		return nil, errors.New("worker initializer cannot be nil")
	}
	if next == nil {
		return nil, errors.New("next step cannot be nil")
	}
	if cfg.NumWorkers <= 0 {
		logger.Warn().Int("num_workers", cfg.NumWorkers).Msg("NumWorkers is non-positive, defaulting to 5.")
		cfg.NumWorkers = 5
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxBatchTime <= 0 {
		cfg.MaxBatchTime = time.Second
	}
	if cfg.InputBlockSize <= 0 {
		cfg.InputBlockSize = 16 << 20
	}
	if cfg.OutputBlockSize <= 0 {
		cfg.OutputBlockSize = 16 << 20
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 2 * cfg.NumWorkers
	}
	if cfg.MaxBackpressureWait <= 0 {
		cfg.MaxBackpressureWait = 100 * time.Millisecond
	}

	r := &ParallelRunner[In, Out]{
		cfg:     cfg,
		next:    next,
		logger:  logger.With().Str("component", "ParallelRunner").Logger(),
		now:     time.Now,
		sig:     shutdown.NewSignaller(),
		tasks:   make(chan runnerTask, cfg.MaxOutstanding),
		results: make(chan runnerResult, cfg.MaxOutstanding),
		slots:   make(map[uint64]*runnerSlot[In, Out]),
	}

	r.logger.Info().Int("worker_count", cfg.NumWorkers).Msg("Starting transform workers...")
	var wg sync.WaitGroup
	ready := make(chan error, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(workerID, init, ready)
		}(i)
	}
	go func() {
		wg.Wait()
		r.sig.TriggerHasStopped()
	}()

	var initErr error
	for i := 0; i < cfg.NumWorkers; i++ {
		if err := <-ready; err != nil && initErr == nil {
			initErr = err
		}
	}
	if initErr != nil {
		r.sig.TriggerHardStop()
		r.closeTasks.Do(func() { close(r.tasks) })
		<-r.sig.HasStoppedChan()
		return nil, fmt.Errorf("failed to initialise transform worker: %w", initErr)
	}
	r.logger.Info().Msg("All transform workers ready.")
	return r, nil
}

// Submit adds msg to the group being built, dispatching the group once full.
func (r *ParallelRunner[In, Out]) Submit(msg types.Message[In]) error {
	if r.failed != nil {
		return r.failed
	}
	if r.closed {
		return ErrStepClosed
	}
	if err := r.collect(); err != nil {
		return err
	}
	if r.sealed {
		if err := r.dispatch(true); err != nil {
			return err
		}
	}

	if msg.Filtered {
		if len(r.current) > 0 {
			r.sealed = true
			if err := r.dispatch(true); err != nil {
				return err
			}
		}
		seq := r.nextSeq
		r.nextSeq++
		r.slots[seq] = &runnerSlot[In, Out]{marker: &msg, done: true}
		return nil
	}

	if len(r.current) == 0 {
		r.currentStarted = r.now()
	}
	r.current = append(r.current, msg)
	if len(r.current) >= r.cfg.MaxBatchSize {
		r.sealed = true
		if err := r.dispatch(true); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
	}
	return nil
}

// Poll collects finished work, dispatches an aged partial group, forwards
// ready results in order and polls the next step.
func (r *ParallelRunner[In, Out]) Poll() error {
	if r.failed != nil {
		return r.failed
	}
	if err := r.collect(); err != nil {
		return err
	}
	if !r.sealed && len(r.current) > 0 && r.now().Sub(r.currentStarted) >= r.cfg.MaxBatchTime {
		r.sealed = true
	}
	if r.sealed {
		if err := r.dispatch(false); err != nil && !errors.Is(err, ErrMessageRejected) {
			return err
		}
	}
	if _, err := r.forwardReady(); err != nil {
		return err
	}
	return r.next.Poll()
}

// Close stops accepting new messages.
func (r *ParallelRunner[In, Out]) Close() {
	r.closed = true
}

// Terminate stops all workers immediately, drops in-flight groups and
// terminates the next step.
func (r *ParallelRunner[In, Out]) Terminate() {
	r.closed = true
	r.sig.TriggerHardStop()
	r.closeTasks.Do(func() { close(r.tasks) })
	r.dropInFlight()
	r.next.Terminate()
}

func (r *ParallelRunner[In, Out]) dropInFlight() {
	r.slots = make(map[uint64]*runnerSlot[In, Out])
	r.current = nil
	r.encoded = nil
	r.sealed = false
	r.inFlight, r.inBytes, r.outBytes = 0, 0, 0
}

// Join dispatches the partial group and waits up to timeout for every group
// to be processed and forwarded. Groups still outstanding at the deadline are
// abandoned; their offsets are never committed. It then closes and joins the
// next step with whatever time is left.
func (r *ParallelRunner[In, Out]) Join(timeout time.Duration) error {
	deadline := r.now().Add(timeout)
	r.closed = true
	if len(r.current) > 0 {
		r.sealed = true
	}

	for {
		if r.failed != nil {
			return r.failed
		}
		if err := r.collect(); err != nil {
			return err
		}
		if r.sealed {
			if err := r.dispatch(false); err != nil && !errors.Is(err, ErrMessageRejected) {
				return err
			}
		}
		rejected, err := r.forwardReady()
		if err != nil {
			return err
		}
		if !r.sealed && len(r.slots) == 0 {
			break
		}
		left := remaining(deadline, r.now())
		if left == 0 {
			r.logger.Warn().Int("abandoned_groups", len(r.slots)).Bool("partial_group", r.sealed).
				Msg("Join timeout reached, abandoning in-flight work.")
			r.dropInFlight()
			r.sig.TriggerHardStop()
			break
		}
		if rejected {
			// The next step is holding back; let it surface what it holds.
			if err := r.next.Poll(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
			continue
		}
		timer := time.NewTimer(left)
		select {
		case res := <-r.results:
			if err := r.handleResult(res); err != nil {
				timer.Stop()
				return err
			}
		case <-timer.C:
		}
		timer.Stop()
	}

	r.stopWorkers(deadline)
	r.next.Close()
	return r.next.Join(remaining(deadline, r.now()))
}

func (r *ParallelRunner[In, Out]) stopWorkers(deadline time.Time) {
	r.closeTasks.Do(func() { close(r.tasks) })
	timer := time.NewTimer(remaining(deadline, r.now()))
	defer timer.Stop()
	select {
	case <-r.sig.HasStoppedChan():
	case <-timer.C:
		r.logger.Warn().Msg("Workers did not stop before the deadline, forcing shutdown.")
		r.sig.TriggerHardStop()
	}
}

func (r *ParallelRunner[In, Out]) hasCapacity(size int) bool {
	if r.inFlight >= r.cfg.MaxOutstanding {
		return false
	}
	if r.inBytes > 0 && r.inBytes+size > r.cfg.InputBlockSize {
		return false
	}
	return r.outBytes < r.cfg.OutputBlockSize
}

// dispatch hands the sealed group to the workers. With block set it waits
// for capacity, otherwise it returns ErrMessageRejected when there is none.
func (r *ParallelRunner[In, Out]) dispatch(block bool) error {
	if r.encoded == nil {
		payloads := make([]In, len(r.current))
		for i, m := range r.current {
			payloads[i] = m.Payload
		}
		encoded, err := msgpack.Marshal(payloads)
		if err != nil {
			return r.fail(fmt.Errorf("failed to encode input block: %w", err))
		}
		r.encoded = encoded
	}
	size := len(r.encoded)

	if block {
		if err := r.waitForCapacity(size); err != nil {
			return err
		}
	} else if !r.hasCapacity(size) {
		return ErrMessageRejected
	}

	if size > r.cfg.InputBlockSize {
		r.logger.Warn().Int("block_bytes", size).Int("input_block_size", r.cfg.InputBlockSize).
			Msg("Group is larger than the input region, dispatching it alone.")
	}

	seq := r.nextSeq
	r.nextSeq++
	r.slots[seq] = &runnerSlot[In, Out]{messages: r.current, inBytes: size}
	r.inFlight++
	r.inBytes += size
	r.tasks <- runnerTask{seq: seq, block: r.encoded}

	r.logger.Debug().Uint64("seq", seq).Int("messages", len(r.current)).Int("bytes", size).Msg("Group dispatched.")
	r.current = nil
	r.encoded = nil
	r.sealed = false
	return nil
}

func (r *ParallelRunner[In, Out]) waitForCapacity(size int) error {
	if r.hasCapacity(size) {
		return nil
	}
	timer := time.NewTimer(r.cfg.MaxBackpressureWait)
	defer timer.Stop()
	for !r.hasCapacity(size) {
		rejected, err := r.forwardReady()
		if err != nil {
			return err
		}
		if r.hasCapacity(size) {
			return nil
		}
		if rejected || r.inFlight == 0 {
			return ErrMessageRejected
		}
		select {
		case res := <-r.results:
			if err := r.handleResult(res); err != nil {
				return err
			}
		case <-r.sig.HasStoppedChan():
			return r.fail(errors.New("transform workers stopped unexpectedly"))
		case <-timer.C:
			return ErrMessageRejected
		}
	}
	return nil
}

// collect drains finished groups without blocking.
func (r *ParallelRunner[In, Out]) collect() error {
	for {
		select {
		case res := <-r.results:
			if err := r.handleResult(res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *ParallelRunner[In, Out]) handleResult(res runnerResult) error {
	s, ok := r.slots[res.seq]
	if !ok {
		// Abandoned at a join deadline.
		return nil
	}
	r.inFlight--
	r.inBytes -= s.inBytes

	if res.err != nil {
		return r.fail(&WorkerError{WorkerID: res.workerID, Err: res.err})
	}
	var outputs []Out
	if err := msgpack.Unmarshal(res.block, &outputs); err != nil {
		return r.fail(&WorkerError{WorkerID: res.workerID, Err: fmt.Errorf("failed to decode output block: %w", err)})
	}
	if len(outputs) != len(s.messages) {
		return r.fail(&WorkerError{
			WorkerID: res.workerID,
			Err:      fmt.Errorf("worker returned %d results for %d messages", len(outputs), len(s.messages)),
		})
	}
	s.outputs = outputs
	s.outBytes = len(res.block)
	s.done = true
	r.outBytes += s.outBytes
	return nil
}

// forwardReady forwards completed groups in sequence order. It reports
// whether it stopped because the next step rejected a message.
func (r *ParallelRunner[In, Out]) forwardReady() (bool, error) {
	for {
		s, ok := r.slots[r.nextDeliver]
		if !ok || !s.done {
			return false, nil
		}
		if s.marker != nil {
			if err := r.next.Submit(types.FilteredFrom[Out](*s.marker)); err != nil {
				if errors.Is(err, ErrMessageRejected) {
					return true, nil
				}
				return false, err
			}
		}
		for s.cursor < len(s.outputs) {
			out := types.Replace[Out](s.messages[s.cursor], s.outputs[s.cursor])
			if err := r.next.Submit(out); err != nil {
				if errors.Is(err, ErrMessageRejected) {
					return true, nil
				}
				return false, err
			}
			s.cursor++
		}
		r.outBytes -= s.outBytes
		delete(r.slots, r.nextDeliver)
		r.nextDeliver++
	}
}

func (r *ParallelRunner[In, Out]) fail(err error) error {
	if r.failed == nil {
		r.logger.Error().Err(err).Msg("Transform pool failed, stopping workers.")
		r.failed = err
		r.sig.TriggerHardStop()
	}
	return r.failed
}

// worker is the main loop for each pool goroutine.
func (r *ParallelRunner[In, Out]) worker(workerID int, init Initializer[In, Out], ready chan<- error) {
	ctx, cancel := r.sig.HardStopCtx(context.Background())
	defer cancel()
	log := r.logger.With().Int("worker_id", workerID).Logger()

	var (
		fn      TransformFunc[In, Out]
		cleanup func() error
		initErr error
		catcher panics.Catcher
	)
	catcher.Try(func() { fn, cleanup, initErr = init(ctx, workerID) })
	if rec := catcher.Recovered(); rec != nil {
		initErr = rec.AsError()
	}
	ready <- initErr
	if initErr != nil {
		log.Error().Err(initErr).Msg("Worker failed to initialise.")
		return
	}
	defer func() {
		if cleanup == nil {
			return
		}
		if err := cleanup(); err != nil {
			log.Error().Err(err).Msg("Worker cleanup failed.")
		}
	}()
	log.Debug().Msg("Transform worker started.")

	for {
		select {
		case <-r.sig.HardStopChan():
			log.Debug().Msg("Transform worker stopping.")
			return
		case t, ok := <-r.tasks:
			if !ok {
				log.Debug().Msg("Task channel closed, worker exiting.")
				return
			}
			res := r.runTask(ctx, workerID, fn, t)
			select {
			case r.results <- res:
			case <-r.sig.HardStopChan():
				return
			}
		}
	}
}

func (r *ParallelRunner[In, Out]) runTask(ctx context.Context, workerID int, fn TransformFunc[In, Out], t runnerTask) runnerResult {
	res := runnerResult{seq: t.seq, workerID: workerID}

	var payloads []In
	if err := msgpack.Unmarshal(t.block, &payloads); err != nil {
		res.err = fmt.Errorf("failed to decode input block: %w", err)
		return res
	}

	outputs := make([]Out, 0, len(payloads))
	var (
		taskErr error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		for _, p := range payloads {
			out, err := fn(ctx, p)
			if err != nil {
				taskErr = err
				return
			}
			outputs = append(outputs, out)
		}
	})
	if rec := catcher.Recovered(); rec != nil {
		taskErr = rec.AsError()
	}
	if taskErr != nil {
		res.err = taskErr
		return res
	}

	block, err := msgpack.Marshal(outputs)
	if err != nil {
		res.err = fmt.Errorf("failed to encode output block: %w", err)
		return res
	}
	res.block = block
	return res
}

package messagepipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringMessage(offset int64, value string) types.Message[string] {
	return types.NewRecord(value, testPartition, offset, time.Now())
}

func staticInit(fn messagepipeline.TransformFunc[string, string]) messagepipeline.Initializer[string, string] {
	return func(ctx context.Context, workerID int) (messagepipeline.TransformFunc[string, string], func() error, error) {
		return fn, func() error { return nil }, nil
	}
}

func newTestRunner(t *testing.T, cfg messagepipeline.ParallelRunnerConfig, fn messagepipeline.TransformFunc[string, string]) (*messagepipeline.ParallelRunner[string, string], *MockStep[string]) {
	t.Helper()
	next := NewMockStep[string]()
	runner, err := messagepipeline.NewParallelRunner[string, string](cfg, staticInit(fn), next, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(runner.Terminate)
	return runner, next
}

func receivedValues(step *MockStep[string]) []string {
	var out []string
	for _, m := range step.GetReceived() {
		out = append(out, m.Payload)
	}
	return out
}

func TestParallelRunner_DeliversInSubmissionOrder(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 4, MaxBatchSize: 2, MaxBatchTime: time.Hour}
	// Earlier messages take longer, so workers finish out of order.
	transform := func(ctx context.Context, in string) (string, error) {
		n, _ := strconv.Atoi(in)
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		return "out-" + in, nil
	}
	runner, next := newTestRunner(t, cfg, transform)

	var expected []string
	for i := 0; i < 20; i++ {
		require.NoError(t, runner.Submit(stringMessage(int64(i), strconv.Itoa(i))))
		expected = append(expected, fmt.Sprintf("out-%d", i))
	}
	runner.Close()
	require.NoError(t, runner.Join(5*time.Second))

	assert.Equal(t, expected, receivedValues(next))
	received := next.GetReceived()
	assert.Equal(t, int64(20), received[19].Committable()[testPartition], "Offsets travel with the result")

	closed, _, joined := next.Counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, joined)
}

func TestParallelRunner_DispatchesAgedGroupOnPoll(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 2, MaxBatchSize: 100, MaxBatchTime: 10 * time.Millisecond}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	})

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, runner.Submit(stringMessage(0, v)))
	}
	require.Eventually(t, func() bool {
		return runner.Poll() == nil && len(next.GetReceived()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, receivedValues(next))
}

func TestParallelRunner_TransformErrorIsFatal(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 2, MaxBatchSize: 1}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		if in == "boom" {
			return "", errors.New("store unavailable")
		}
		return in, nil
	})

	require.NoError(t, runner.Submit(stringMessage(0, "boom")))

	var pollErr error
	require.Eventually(t, func() bool {
		pollErr = runner.Poll()
		return pollErr != nil
	}, 2*time.Second, 5*time.Millisecond)

	var workerErr *messagepipeline.WorkerError
	require.ErrorAs(t, pollErr, &workerErr)
	assert.Contains(t, workerErr.Error(), "store unavailable")
	assert.Empty(t, next.GetReceived(), "Nothing from the failed group is forwarded")

	err := runner.Submit(stringMessage(1, "ok"))
	assert.ErrorAs(t, err, &workerErr, "The runner stays failed")
}

func TestParallelRunner_PanicIsRecovered(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 1, MaxBatchSize: 1}
	runner, _ := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		panic("unexpected payload")
	})

	require.NoError(t, runner.Submit(stringMessage(0, "x")))
	var pollErr error
	require.Eventually(t, func() bool {
		pollErr = runner.Poll()
		return pollErr != nil
	}, 2*time.Second, 5*time.Millisecond)

	var workerErr *messagepipeline.WorkerError
	require.ErrorAs(t, pollErr, &workerErr)
	assert.Contains(t, pollErr.Error(), "unexpected payload")
}

func TestParallelRunner_InitializerFailure(t *testing.T) {
	init := func(ctx context.Context, workerID int) (messagepipeline.TransformFunc[string, string], func() error, error) {
		if workerID == 1 {
			return nil, nil, errors.New("cannot reach store")
		}
		return func(ctx context.Context, in string) (string, error) { return in, nil }, nil, nil
	}
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 3}
	_, err := messagepipeline.NewParallelRunner[string, string](cfg, init, NewMockStep[string](), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach store")
}

func TestParallelRunner_SubmitBlocksWhileSaturated(t *testing.T) {
	release := make(chan struct{})
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 1, MaxBatchSize: 1, MaxOutstanding: 1, MaxBackpressureWait: 5 * time.Second}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		<-release
		return in, nil
	})

	require.NoError(t, runner.Submit(stringMessage(0, "first")))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	start := time.Now()
	require.NoError(t, runner.Submit(stringMessage(1, "second")))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "Submit should have waited for the worker")

	runner.Close()
	require.NoError(t, runner.Join(time.Second))
	assert.Equal(t, []string{"first", "second"}, receivedValues(next))
}

func TestParallelRunner_SaturatedSubmitGivesUpAfterWait(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{
		NumWorkers:          1,
		MaxBatchSize:        1,
		MaxOutstanding:      1,
		MaxBackpressureWait: 50 * time.Millisecond,
	}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.NoError(t, runner.Submit(stringMessage(0, "stuck")))
	// The second group is held once the wait runs out.
	require.NoError(t, runner.Submit(stringMessage(1, "held")))

	start := time.Now()
	err := runner.Submit(stringMessage(2, "rejected"))
	require.ErrorIs(t, err, messagepipeline.ErrMessageRejected)
	took := time.Since(start)
	assert.GreaterOrEqual(t, took, 40*time.Millisecond)
	assert.Less(t, took, 2*time.Second, "A hung worker must not block the caller")

	runner.Terminate()
	assert.Empty(t, next.GetReceived())
	_, terminated, _ := next.Counts()
	assert.Equal(t, 1, terminated)
}

func TestParallelRunner_RejectsWhenDownstreamRejects(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{
		NumWorkers:      1,
		MaxBatchSize:    1,
		MaxOutstanding:  1,
		OutputBlockSize: 1,
	}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		return in, nil
	})
	next.SetRejectAll(true)

	require.NoError(t, runner.Submit(stringMessage(0, "a")))
	// The second group is accepted but cannot be dispatched.
	require.NoError(t, runner.Submit(stringMessage(1, "b")))
	err := runner.Submit(stringMessage(2, "c"))
	require.ErrorIs(t, err, messagepipeline.ErrMessageRejected)

	next.SetRejectAll(false)
	require.Eventually(t, func() bool {
		return runner.Poll() == nil && len(next.GetReceived()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Submit(stringMessage(2, "c")))
}

func TestParallelRunner_FilteredMessageKeepsOrder(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 2, MaxBatchSize: 2, MaxBatchTime: time.Hour}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return in, nil
	})

	require.NoError(t, runner.Submit(stringMessage(0, "a")))
	marker := types.NewFiltered[string](map[types.Partition]int64{testPartition: 2}, time.Now())
	require.NoError(t, runner.Submit(marker))
	require.NoError(t, runner.Submit(stringMessage(2, "c")))

	runner.Close()
	require.NoError(t, runner.Join(2*time.Second))

	received := next.GetReceived()
	require.Len(t, received, 3)
	assert.Equal(t, "a", received[0].Payload)
	assert.True(t, received[1].Filtered)
	assert.Equal(t, int64(2), received[1].Committable()[testPartition])
	assert.Equal(t, "c", received[2].Payload)
}

func TestParallelRunner_ZeroJoinTimeoutAbandonsWork(t *testing.T) {
	cfg := messagepipeline.ParallelRunnerConfig{NumWorkers: 1, MaxBatchSize: 1}
	runner, next := newTestRunner(t, cfg, func(ctx context.Context, in string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.NoError(t, runner.Submit(stringMessage(0, "stuck")))
	runner.Close()

	start := time.Now()
	require.NoError(t, runner.Join(0))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, next.GetReceived())

	closed, _, joined := next.Counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, joined)
}

func TestParallelRunner_SubmitAfterClose(t *testing.T) {
	runner, next := newTestRunner(t, messagepipeline.ParallelRunnerConfig{NumWorkers: 1}, func(ctx context.Context, in string) (string, error) {
		return in, nil
	})
	runner.Close()
	assert.ErrorIs(t, runner.Submit(stringMessage(0, "a")), messagepipeline.ErrStepClosed)

	runner.Terminate()
	_, terminated, _ := next.Counts()
	assert.GreaterOrEqual(t, terminated, 1)
}

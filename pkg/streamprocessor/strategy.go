package streamprocessor

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// StrategyFactory builds a fresh processing chain whose final step reports
// committable offsets to commit. It is called once per Run.
type StrategyFactory func(commit messagepipeline.CommitFunc) (messagepipeline.ProcessingStep[types.KafkaPayload], error)

// StrategyConfig sizes the chain built by NewStrategyFactory.
type StrategyConfig struct {
	Batcher            messagepipeline.BatcherConfig
	Runner             messagepipeline.ParallelRunnerConfig
	OutputTopic        string
	OutputSliced       bool
	MaxPendingProduces int
}

// MaxInFlight is the most records the chain can hold before their offsets
// are committed: one open batch, the groups queued in the runner and the
// records awaiting a produce acknowledgement.
func (c StrategyConfig) MaxInFlight() int {
	batch := max(c.Batcher.MaxBatchSize, 1)
	group := max(c.Runner.MaxBatchSize, 1)
	outstanding := max(c.Runner.MaxOutstanding, 2*max(c.Runner.NumWorkers, 1))
	return batch*(group*(outstanding+1)+1) + max(c.MaxPendingProduces, 0)
}

// StrategyConfigFromConfig maps the consumer configuration onto the chain's sizing.
func StrategyConfigFromConfig(cfg *configuration.Config, ingest *configuration.IngestConfiguration) StrategyConfig {
	return StrategyConfig{
		Batcher: messagepipeline.BatcherConfig{
			MaxBatchSize: cfg.MaxMsgBatchSize,
			MaxBatchTime: cfg.MaxMsgBatchTime,
		},
		Runner: messagepipeline.ParallelRunnerConfig{
			NumWorkers:      cfg.Processes,
			MaxBatchSize:    cfg.MaxParallelBatchSize,
			MaxBatchTime:    cfg.MaxParallelBatchTime,
			InputBlockSize:  cfg.InputBlockSize,
			OutputBlockSize: cfg.OutputBlockSize,
			MaxOutstanding:  cfg.MaxOutstandingBatches,
		},
		OutputTopic:        ingest.OutputTopic,
		OutputSliced:       ingest.IsOutputSliced,
		MaxPendingProduces: cfg.MaxPendingProduces,
	}
}

// NewStrategyFactory returns a factory for the indexing chain:
//
//	Batcher -> ParallelRunner(transform) -> Unbatcher -> ProduceStep
//
// Sliced output requires router, otherwise producer is used with the fixed
// output topic. A missing router fails here, before anything is consumed.
func NewStrategyFactory(
	cfg StrategyConfig,
	init messagepipeline.Initializer[types.Batch[types.KafkaPayload], types.IndexerOutputBatch],
	producer messagepipeline.Producer,
	router messagepipeline.MessageRouter,
	accountant messagepipeline.Accountant,
	logger zerolog.Logger,
) (StrategyFactory, error) {
	if init == nil {
		return nil, errors.New("a transform initializer is required")
	}
	if cfg.OutputSliced && router == nil {
		return nil, configuration.ErrSlicingRouterRequired
	}
	if !cfg.OutputSliced {
		if producer == nil {
			return nil, errors.New("a producer is required for unsliced output")
		}
		if cfg.OutputTopic == "" {
			return nil, errors.New("an output topic is required for unsliced output")
		}
	}

	return func(commit messagepipeline.CommitFunc) (messagepipeline.ProcessingStep[types.KafkaPayload], error) {
		var produce messagepipeline.ProcessingStep[types.RoutingPayload]
		if cfg.OutputSliced {
			step, err := messagepipeline.NewRoutingProduceStep(router, commit, cfg.MaxPendingProduces, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create routing producer step: %w", err)
			}
			produce = step
		} else {
			step, err := messagepipeline.NewSimpleProduceStep(producer, cfg.OutputTopic, commit, cfg.MaxPendingProduces, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create producer step: %w", err)
			}
			produce = step
		}

		unbatcher := messagepipeline.NewUnbatcher(produce, accountant, logger)
		runner, err := messagepipeline.NewParallelRunner[types.Batch[types.KafkaPayload], types.IndexerOutputBatch](
			cfg.Runner, init, unbatcher, logger,
		)
		if err != nil {
			unbatcher.Terminate()
			return nil, fmt.Errorf("failed to start transform workers: %w", err)
		}
		return messagepipeline.NewBatchStep[types.KafkaPayload](cfg.Batcher, runner, logger), nil
	}, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/consumers"
	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/metrics"
	"github.com/illmade-knight/go-indexer/pkg/processing"
	"github.com/illmade-knight/go-indexer/pkg/slicing"
	"github.com/illmade-knight/go-indexer/pkg/streamprocessor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const maxPollRecords = 500

func newConsumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the indexing consumer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromFlags(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConsumeConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsumer(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("config", "", "Path to a YAML configuration file")
	cmd.Flags().Int("processes", 0, "Number of transform workers")
	cmd.Flags().Duration("join-timeout", 0, "Time allowed to drain in-flight work on shutdown")
	cmd.Flags().String("group-instance-id", "", "Static consumer group membership id")
	cmd.Flags().Bool("strict-offset-reset", false, "Fail instead of resetting out of range committed offsets")
	cmd.Flags().String("ingest-profile", "", "Ingest profile (release-health or performance)")
	cmd.Flags().String("indexer-db", "", "Indexer backend (postgres, firestore or mock)")
	return cmd
}

// loadConsumeConfig layers the file, the environment and then explicitly
// set flags.
func loadConsumeConfig(cmd *cobra.Command) (*configuration.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := configuration.LoadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("processes") {
		cfg.Processes, _ = flags.GetInt("processes")
	}
	if flags.Changed("join-timeout") {
		cfg.JoinTimeout, _ = flags.GetDuration("join-timeout")
	}
	if flags.Changed("group-instance-id") {
		cfg.GroupInstanceID, _ = flags.GetString("group-instance-id")
	}
	if flags.Changed("strict-offset-reset") {
		cfg.StrictOffsetReset, _ = flags.GetBool("strict-offset-reset")
	}
	if flags.Changed("ingest-profile") {
		v, _ := flags.GetString("ingest-profile")
		cfg.IngestProfile = configuration.IngestProfile(v)
	}
	if flags.Changed("indexer-db") {
		v, _ := flags.GetString("indexer-db")
		cfg.IndexerDB = indexer.IndexerStorage(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runConsumer(ctx context.Context, cfg *configuration.Config, logger zerolog.Logger) error {
	ingest, err := cfg.Ingest()
	if err != nil {
		return err
	}
	logger.Info().
		Str("profile", string(cfg.IngestProfile)).
		Str("indexer_db", string(cfg.IndexerDB)).
		Str("input_topic", ingest.InputTopic).
		Str("output_topic", ingest.OutputTopic).
		Str("output_transport", string(cfg.Output.Transport)).
		Bool("output_sliced", ingest.IsOutputSliced).
		Int("processes", cfg.Processes).
		Msg("Starting indexer consumer.")

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, m, cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed.")
			}
		}()
	}

	indexerFactory, closeIndexer, err := newIndexerFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeIndexer()

	deadLetter, closeDeadLetter, err := newDeadLetterPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeadLetter()

	clientID := "indexer-" + cfg.GroupID
	var (
		producer messagepipeline.Producer
		router   messagepipeline.MessageRouter
	)
	if ingest.IsOutputSliced {
		r, err := slicing.NewRouter(&cfg.Slicing, slicing.KafkaProducerFactory(clientID, logger), logger)
		if err != nil {
			return fmt.Errorf("failed to create slicing router: %w", err)
		}
		defer r.Shutdown()
		router = r
	} else {
		p, closeProducer, err := newOutputProducer(ctx, cfg, clientID, logger)
		if err != nil {
			return err
		}
		defer closeProducer()
		producer = p
	}

	initializer := processing.NewInitializer(indexerFactory, processing.Config{
		UseCase:        ingest.UseCaseID,
		DeriveUseCase:  ingest.DeriveUseCase,
		IndexTagValues: ingest.IndexTagValues,
	}, logger)
	strategyCfg := streamprocessor.StrategyConfigFromConfig(cfg, ingest)
	strategy, err := streamprocessor.NewStrategyFactory(strategyCfg, initializer, producer, router, m, logger)
	if err != nil {
		return err
	}

	consumer, err := consumers.NewKafkaConsumer(&consumers.KafkaConsumerConfig{
		Brokers:           cfg.Brokers,
		Topic:             ingest.InputTopic,
		GroupID:           cfg.GroupID,
		GroupInstanceID:   cfg.GroupInstanceID,
		AutoOffsetReset:   cfg.AutoOffsetReset,
		StrictOffsetReset: cfg.StrictOffsetReset,
		ClientID:          clientID,
	}, logger)
	if err != nil {
		return err
	}

	sp, err := streamprocessor.NewStreamProcessor(consumer, strategy, deadLetter, m, streamprocessor.Config{
		JoinTimeout:             cfg.JoinTimeout,
		CommitInterval:          cfg.CommitInterval,
		MaxPollRecords:          maxPollRecords,
		MaxBufferedPerPartition: strategyCfg.MaxInFlight() + maxPollRecords,
	}, logger)
	if err != nil {
		consumer.Close()
		return err
	}

	err = sp.Run(ctx)
	if errors.Is(err, consumers.ErrOffsetOutOfRange) {
		logger.Error().Err(err).Msg("Committed offsets are out of range and strict offset reset is enabled.")
	}
	return err
}

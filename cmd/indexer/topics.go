package main

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-indexer/pkg/configuration"
	"github.com/illmade-knight/go-indexer/pkg/servicemanager"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newTopicsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Provision the topics a consumer reads from and writes to",
	}
	cmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().String("ingest-profile", "", "Ingest profile (release-health or performance)")
	cmd.PersistentFlags().String("indexer-db", "", "Indexer backend (postgres, firestore or mock)")
	cmd.PersistentFlags().Int32("partitions", 0, "Partitions of created Kafka topics (0 uses the broker default)")
	cmd.PersistentFlags().Int16("replication-factor", 0, "Replication factor of created Kafka topics (0 uses the broker default)")

	setup := &cobra.Command{
		Use:   "setup",
		Short: "Create every missing topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopics(cmd, func(ctx context.Context, sm *servicemanager.ServiceManager, spec servicemanager.ResourcesSpec) error {
				return sm.SetupAll(ctx, spec)
			})
		},
	}
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Fail unless every topic exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopics(cmd, func(ctx context.Context, sm *servicemanager.ServiceManager, spec servicemanager.ResourcesSpec) error {
				return sm.VerifyAll(ctx, spec)
			})
		},
	}
	teardown := &cobra.Command{
		Use:   "teardown",
		Short: "Delete every topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			return runTopics(cmd, func(ctx context.Context, sm *servicemanager.ServiceManager, spec servicemanager.ResourcesSpec) error {
				return sm.TeardownAll(ctx, spec, !confirm)
			})
		},
	}
	teardown.Flags().Bool("confirm", false, "Required to actually delete topics")

	cmd.AddCommand(setup, verify, teardown)
	return cmd
}

type topicsAction func(ctx context.Context, sm *servicemanager.ServiceManager, spec servicemanager.ResourcesSpec) error

func runTopics(cmd *cobra.Command, action topicsAction) error {
	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConsumeConfig(cmd)
	if err != nil {
		return err
	}
	spec, err := topicsSpec(cmd, cfg)
	if err != nil {
		return err
	}
	sm, err := newTopicsManager(logger)
	if err != nil {
		return err
	}
	return action(cmd.Context(), sm, spec)
}

func topicsSpec(cmd *cobra.Command, cfg *configuration.Config) (servicemanager.ResourcesSpec, error) {
	ingest, err := cfg.Ingest()
	if err != nil {
		return servicemanager.ResourcesSpec{}, err
	}
	partitions, _ := cmd.Flags().GetInt32("partitions")
	replication, _ := cmd.Flags().GetInt16("replication-factor")
	if partitions < 0 || replication < 0 {
		return servicemanager.ResourcesSpec{}, fmt.Errorf("%w: partitions and replication factor cannot be negative", configuration.ErrInvalidConfig)
	}
	return servicemanager.IndexerResources(cfg, ingest, servicemanager.TopicDefaults{
		Partitions:        partitions,
		ReplicationFactor: replication,
	}), nil
}

func newTopicsManager(logger zerolog.Logger) (*servicemanager.ServiceManager, error) {
	kafka := func(brokers []string) (servicemanager.MessagingClient, error) {
		return servicemanager.NewKafkaMessagingClient(brokers)
	}
	pubsub := func(ctx context.Context, projectID string) (servicemanager.MessagingClient, error) {
		return servicemanager.CreateGooglePubsubClient(ctx, projectID)
	}
	return servicemanager.NewServiceManager(kafka, pubsub, logger)
}

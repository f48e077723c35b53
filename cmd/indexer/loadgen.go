package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/helpers/loadgen"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/spf13/cobra"
)

func newLoadgenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Publish synthetic metrics to an ingest topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromFlags(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			brokers, _ := flags.GetString("brokers")
			topic, _ := flags.GetString("topic")
			orgs, _ := flags.GetInt("orgs")
			rate, _ := flags.GetFloat64("rate")
			duration, _ := flags.GetDuration("duration")
			useCase, _ := flags.GetString("use-case")
			cardinality, _ := flags.GetInt("cardinality")
			invalidRatio, _ := flags.GetFloat64("invalid-ratio")

			if orgs < 1 {
				return fmt.Errorf("--orgs must be at least 1")
			}
			if invalidRatio < 0 || invalidRatio > 1 {
				return fmt.Errorf("--invalid-ratio must be between 0 and 1")
			}

			gen := loadgen.NewMetricPayloadGenerator(types.UseCaseID(useCase), cardinality, uint64(time.Now().UnixNano()))
			gen.InvalidRatio = invalidRatio
			emitters := make([]*loadgen.Emitter, 0, orgs)
			for i := 1; i <= orgs; i++ {
				emitters = append(emitters, &loadgen.Emitter{
					ID:               fmt.Sprintf("org-%d", i),
					OrgID:            int64(i),
					MessageRate:      rate,
					PayloadGenerator: gen,
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := loadgen.NewKafkaClient(strings.Split(brokers, ","), topic, logger)
			count, err := loadgen.NewLoadGenerator(client, emitters, logger).Run(ctx, duration)
			if err != nil {
				return err
			}
			logger.Info().Int("published", count).Msg("Load generation complete.")
			return nil
		},
	}
	cmd.Flags().String("brokers", "localhost:9092", "Comma separated broker addresses")
	cmd.Flags().String("topic", "ingest-metrics", "Topic to publish to")
	cmd.Flags().Int("orgs", 10, "Number of simulated orgs")
	cmd.Flags().Float64("rate", 5, "Messages per second per org")
	cmd.Flags().Duration("duration", time.Minute, "How long to publish for")
	cmd.Flags().String("use-case", string(types.UseCaseSessions), "Use case namespace of generated metric names")
	cmd.Flags().Int("cardinality", 20, "Distinct values per tag")
	cmd.Flags().Float64("invalid-ratio", 0, "Fraction of metrics published without a name")
	return cmd
}

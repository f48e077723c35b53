package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Emitter is one simulated org publishing metrics at a fixed rate.
type Emitter struct {
	ID               string
	OrgID            int64
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// LoadGenerator runs a set of emitters against one client for a duration.
type LoadGenerator struct {
	client         Client
	emitters       []*Emitter
	logger         zerolog.Logger
	publishedCount int64
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(client Client, emitters []*Emitter, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:   client,
		emitters: emitters,
		logger:   logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes until duration elapses or ctx is cancelled and returns the
// number of successful publishes.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) (int, error) {
	atomic.StoreInt64(&lg.publishedCount, 0)
	lg.logger.Info().Int("num_emitters", len(lg.emitters)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(ctx); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return 0, err
	}
	defer lg.client.Disconnect()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, emitter := range lg.emitters {
		wg.Add(1)
		go func(e *Emitter) {
			defer wg.Done()
			lg.runEmitter(runCtx, e)
		}(emitter)
	}

	wg.Wait()
	finalCount := int(atomic.LoadInt64(&lg.publishedCount))
	lg.logger.Info().Int("successful_publishes", finalCount).Msg("Load generator finished")
	return finalCount, nil
}

func (lg *LoadGenerator) runEmitter(ctx context.Context, emitter *Emitter) {
	if emitter.MessageRate <= 0 {
		lg.logger.Warn().Str("emitter_id", emitter.ID).Msg("Emitter has a message rate of 0, no messages will be sent")
		return
	}

	interval := time.Duration(float64(time.Second) / emitter.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Debug().Str("emitter_id", emitter.ID).Int64("org_id", emitter.OrgID).Float64("rate_hz", emitter.MessageRate).Msg("Emitter starting")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lg.client.Publish(ctx, emitter); err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.logger.Error().Err(err).Str("emitter_id", emitter.ID).Msg("Failed to publish message")
				continue
			}
			atomic.AddInt64(&lg.publishedCount, 1)
		}
	}
}

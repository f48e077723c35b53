package slicing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// ErrMissingOrgID is returned for messages without a usable routing key.
var ErrMissingOrgID = errors.New("message has no org_id to route on")

// ProducerFactory builds a producer for one broker set. close releases it.
type ProducerFactory func(brokers []string) (producer messagepipeline.Producer, close func(), err error)

// KafkaProducerFactory returns a factory creating one franz-go producer per
// broker set.
func KafkaProducerFactory(clientID string, logger zerolog.Logger) ProducerFactory {
	return func(brokers []string) (messagepipeline.Producer, func(), error) {
		p, err := messagepipeline.NewKafkaProducer(&messagepipeline.KafkaProducerConfig{
			Brokers:  brokers,
			ClientID: clientID,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
}

// Router sends each message to the slice owning its org's logical
// partition. It implements messagepipeline.MessageRouter.
type Router struct {
	table    [LogicalPartitionCount]messagepipeline.Destination
	closers  []func()
	shutdown bool
	logger   zerolog.Logger
}

// NewRouter validates cfg and creates one producer per distinct broker set.
func NewRouter(cfg *Config, factory ProducerFactory, logger zerolog.Logger) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing configuration", ErrInvalidSlicingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("producer factory cannot be nil")
	}

	r := &Router{logger: logger.With().Str("component", "SlicingRouter").Logger()}
	producers := make(map[string]messagepipeline.Producer)
	for _, pr := range cfg.Ranges {
		dest := cfg.Destinations[pr.SliceID]
		key := brokerKey(dest.Brokers)
		producer, ok := producers[key]
		if !ok {
			p, closer, err := factory(dest.Brokers)
			if err != nil {
				r.Shutdown()
				return nil, fmt.Errorf("failed to create producer for slice %d: %w", pr.SliceID, err)
			}
			producers[key] = p
			if closer != nil {
				r.closers = append(r.closers, closer)
			}
			producer = p
		}
		for lp := pr.Lo; lp < pr.Hi; lp++ {
			r.table[lp] = messagepipeline.Destination{Producer: producer, Topic: dest.Topic}
		}
		r.logger.Info().Int("slice_id", pr.SliceID).Int("lo", pr.Lo).Int("hi", pr.Hi).
			Str("topic", dest.Topic).Msg("Slice configured.")
	}
	return r, nil
}

// Route returns the destination for msg, keyed on its org_id.
func (r *Router) Route(msg types.Message[types.RoutingPayload]) (messagepipeline.Destination, error) {
	orgID := msg.Payload.RoutingHeader.OrgID
	if orgID <= 0 {
		return messagepipeline.Destination{}, ErrMissingOrgID
	}
	return r.table[LogicalPartition(orgID)], nil
}

// Shutdown closes every producer the router created. It is idempotent.
func (r *Router) Shutdown() {
	if r.shutdown {
		return
	}
	r.shutdown = true
	for _, c := range r.closers {
		c()
	}
	r.logger.Info().Int("producers", len(r.closers)).Msg("Slicing router shut down.")
}

func brokerKey(brokers []string) string {
	sorted := make([]string, len(brokers))
	copy(sorted, brokers)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

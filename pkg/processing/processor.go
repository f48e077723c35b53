package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/messagepipeline"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// MappingSourcesHeader lists the fetch types used to index a message.
const MappingSourcesHeader = "mapping_sources"

// Config selects how records are indexed.
type Config struct {
	// UseCase is applied to every record unless DeriveUseCase is set.
	UseCase types.UseCaseID
	// DeriveUseCase takes the use case from the record, or from the
	// namespace of its metric name, falling back to UseCase.
	DeriveUseCase bool
	// IndexTagValues replaces tag values with ids. When unset, tag values
	// are written out as raw strings.
	IndexTagValues bool
}

// MessageProcessor turns a batch of raw metric records into indexed
// messages. It runs inside one transform worker and is not safe for
// concurrent use.
type MessageProcessor struct {
	indexer indexer.StringIndexer
	cfg     Config
	logger  zerolog.Logger
}

func NewMessageProcessor(idx indexer.StringIndexer, cfg Config, logger zerolog.Logger) (*MessageProcessor, error) {
	if idx == nil {
		return nil, errors.New("string indexer cannot be nil")
	}
	if cfg.UseCase == "" {
		return nil, errors.New("a default use case is required")
	}
	return &MessageProcessor{
		indexer: idx,
		cfg:     cfg,
		logger:  logger.With().Str("component", "MessageProcessor").Logger(),
	}, nil
}

// parsedRecord is a record that passed validation and waits for its ids.
type parsedRecord struct {
	msg     types.Message[types.KafkaPayload]
	metric  *InboundMetric
	useCase types.UseCaseID
}

// Process indexes every record of batch. Bad records become invalid markers.
// An error is returned only when the store itself fails, and fails the
// whole batch.
func (p *MessageProcessor) Process(ctx context.Context, batch types.Batch[types.KafkaPayload]) (types.IndexerOutputBatch, error) {
	out := types.IndexerOutputBatch{Cogs: types.CogsData{}}

	// Slot per message keeps outputs and markers in record order.
	slots := make([]*parsedRecord, len(batch.Messages))
	keys := make(map[types.UseCaseID]*indexer.KeyCollection)

	for i, msg := range batch.Messages {
		if msg.Filtered {
			continue
		}
		metric, err := ParseMetric(msg.Payload.Value)
		if err == nil {
			err = metric.Validate()
		}
		var useCase types.UseCaseID
		if err == nil {
			useCase, err = p.useCaseOf(metric)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("partition", partitionOf(msg)).Int64("offset", offsetOf(msg)).Msg("Dropping invalid metric.")
			continue
		}
		slots[i] = &parsedRecord{msg: msg, metric: metric, useCase: useCase}

		kc, ok := keys[useCase]
		if !ok {
			kc = indexer.NewKeyCollection()
			keys[useCase] = kc
		}
		for _, s := range p.stringsOf(metric) {
			kc.Add(metric.OrgID, s)
		}
	}

	results := make(map[types.UseCaseID]*indexer.KeyResults, len(keys))
	for useCase, kc := range keys {
		res, err := p.indexer.BulkRecord(ctx, useCase, kc)
		if err != nil {
			return types.IndexerOutputBatch{}, fmt.Errorf("failed to index %d strings for %s: %w", kc.Size(), useCase, err)
		}
		results[useCase] = res
	}

	for i, msg := range batch.Messages {
		if msg.Filtered {
			out.Data = append(out.Data, types.FilteredFrom[types.RoutingPayload](msg))
			continue
		}
		rec := slots[i]
		if rec == nil {
			out.InvalidMessages = append(out.InvalidMessages, invalidMeta(msg))
			continue
		}
		payload, err := p.build(rec, results[rec.useCase])
		if err != nil {
			p.logger.Warn().Err(err).Int64("org_id", rec.metric.OrgID).Int64("offset", offsetOf(msg)).Msg("Dropping metric that could not be indexed.")
			out.InvalidMessages = append(out.InvalidMessages, invalidMeta(msg))
			continue
		}
		out.Data = append(out.Data, types.Replace(msg, payload))
		out.Cogs[rec.useCase] += len(msg.Payload.Value)
	}
	return out, nil
}

func (p *MessageProcessor) useCaseOf(m *InboundMetric) (types.UseCaseID, error) {
	if !p.cfg.DeriveUseCase {
		return p.cfg.UseCase, nil
	}
	if m.UseCaseID != "" {
		useCase := types.UseCaseID(m.UseCaseID)
		if !knownUseCases[useCase] {
			return "", fmt.Errorf("%w: unknown use case %q", ErrInvalidMetric, m.UseCaseID)
		}
		return useCase, nil
	}
	if useCase, ok := UseCaseFromName(m.Name); ok {
		return useCase, nil
	}
	return p.cfg.UseCase, nil
}

func (p *MessageProcessor) stringsOf(m *InboundMetric) []string {
	strs := make([]string, 0, 1+2*len(m.Tags))
	strs = append(strs, m.Name)
	for k, v := range m.Tags {
		strs = append(strs, k)
		if p.cfg.IndexTagValues {
			strs = append(strs, v)
		}
	}
	return strs
}

func (p *MessageProcessor) build(rec *parsedRecord, res *indexer.KeyResults) (types.RoutingPayload, error) {
	m := rec.metric
	id := func(s string) (int64, error) {
		v, ok := res.Get(m.OrgID, s)
		if !ok {
			return 0, fmt.Errorf("string %q was not indexed", truncate(s))
		}
		return v, nil
	}

	metricID, err := id(m.Name)
	if err != nil {
		return types.RoutingPayload{}, err
	}
	tags := make(map[string]any, len(m.Tags))
	for k, v := range m.Tags {
		keyID, err := id(k)
		if err != nil {
			return types.RoutingPayload{}, err
		}
		if !p.cfg.IndexTagValues {
			tags[strconv.FormatInt(keyID, 10)] = v
			continue
		}
		valueID, err := id(v)
		if err != nil {
			return types.RoutingPayload{}, err
		}
		tags[strconv.FormatInt(keyID, 10)] = valueID
	}

	meta := res.MappingMeta(m.OrgID, p.stringsOf(m))
	mappingMeta := make(map[string]map[string]string, len(meta))
	sources := make([]string, 0, len(meta))
	for ft, ids := range meta {
		byID := make(map[string]string, len(ids))
		for i, s := range ids {
			byID[strconv.FormatInt(i, 10)] = s
		}
		mappingMeta[string(ft)] = byID
		sources = append(sources, string(ft))
	}
	sort.Strings(sources)

	value, err := json.Marshal(IndexedMetric{
		OrgID:         m.OrgID,
		ProjectID:     m.ProjectID,
		MetricID:      metricID,
		Type:          m.Type,
		Value:         m.Value,
		Timestamp:     m.Timestamp,
		Tags:          tags,
		RetentionDays: m.RetentionDays,
		UseCaseID:     rec.useCase,
		MappingMeta:   mappingMeta,
	})
	if err != nil {
		return types.RoutingPayload{}, fmt.Errorf("failed to encode indexed metric: %w", err)
	}

	headers := make([]types.Header, 0, len(rec.msg.Payload.Headers)+1)
	headers = append(headers, rec.msg.Payload.Headers...)
	headers = append(headers, types.Header{Key: MappingSourcesHeader, Value: []byte(strings.Join(sources, ""))})

	return types.RoutingPayload{
		RoutingHeader: types.RoutingHeader{OrgID: m.OrgID},
		Payload: types.KafkaPayload{
			Key:     rec.msg.Payload.Key,
			Value:   value,
			Headers: headers,
		},
	}, nil
}

func invalidMeta(msg types.Message[types.KafkaPayload]) types.InvalidMessageMeta {
	if msg.Origin == nil {
		return types.InvalidMessageMeta{}
	}
	return types.InvalidMessageMeta{Partition: msg.Origin.Partition, Offset: msg.Origin.Offset}
}

func partitionOf(msg types.Message[types.KafkaPayload]) string {
	if msg.Origin == nil {
		return ""
	}
	return msg.Origin.Partition.String()
}

func offsetOf(msg types.Message[types.KafkaPayload]) int64 {
	if msg.Origin == nil {
		return -1
	}
	return msg.Origin.Offset
}

// IndexerFactory builds the string indexer a single worker uses.
type IndexerFactory func(ctx context.Context, workerID int) (indexer.StringIndexer, error)

// NewInitializer returns the worker initializer for the parallel runner.
// Each worker gets its own indexer, closed when the worker stops.
func NewInitializer(factory IndexerFactory, cfg Config, logger zerolog.Logger) messagepipeline.Initializer[types.Batch[types.KafkaPayload], types.IndexerOutputBatch] {
	return func(ctx context.Context, workerID int) (messagepipeline.TransformFunc[types.Batch[types.KafkaPayload], types.IndexerOutputBatch], func() error, error) {
		idx, err := factory(ctx, workerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build indexer for worker %d: %w", workerID, err)
		}
		workerLogger := logger.With().Int("worker_id", workerID).Logger()
		processor, err := NewMessageProcessor(idx, cfg, workerLogger)
		if err != nil {
			_ = idx.Close()
			return nil, nil, err
		}
		return processor.Process, idx.Close, nil
	}
}

package processing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/illmade-knight/go-indexer/pkg/types"
)

const (
	// MaxIndexedColumnLength bounds metric names, tag keys and tag values.
	MaxIndexedColumnLength = 200
	// MaxTagsPerMetric bounds the number of tags on one metric.
	MaxTagsPerMetric = 50
)

var (
	ErrMalformedMetric = errors.New("malformed metric payload")
	ErrInvalidMetric   = errors.New("metric failed validation")
)

// InboundMetric is a metric as written to the ingest topic.
type InboundMetric struct {
	OrgID         int64             `json:"org_id"`
	ProjectID     int64             `json:"project_id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Value         json.RawMessage   `json:"value"`
	Timestamp     int64             `json:"timestamp"`
	Tags          map[string]string `json:"tags"`
	RetentionDays int               `json:"retention_days"`
	UseCaseID     string            `json:"use_case_id,omitempty"`
}

// IndexedMetric is the processed metric written to the output topic. Tag
// keys are ids rendered as strings, tag values are ids or raw strings
// depending on the ingest profile.
type IndexedMetric struct {
	OrgID         int64                        `json:"org_id"`
	ProjectID     int64                        `json:"project_id"`
	MetricID      int64                        `json:"metric_id"`
	Type          string                       `json:"type"`
	Value         json.RawMessage              `json:"value"`
	Timestamp     int64                        `json:"timestamp"`
	Tags          map[string]any               `json:"tags"`
	RetentionDays int                          `json:"retention_days"`
	UseCaseID     types.UseCaseID              `json:"use_case_id"`
	MappingMeta   map[string]map[string]string `json:"mapping_meta"`
}

var metricTypes = map[string]bool{"c": true, "d": true, "s": true, "g": true}

var knownUseCases = map[types.UseCaseID]bool{
	types.UseCaseSessions:     true,
	types.UseCaseTransactions: true,
	types.UseCaseSpans:        true,
	types.UseCaseCustom:       true,
	types.UseCaseEscalating:   true,
}

// ParseMetric decodes a record value.
func ParseMetric(value []byte) (*InboundMetric, error) {
	var m InboundMetric
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetric, err)
	}
	return &m, nil
}

// Validate checks the limits every indexed metric must respect.
func (m *InboundMetric) Validate() error {
	switch {
	case m.OrgID <= 0:
		return fmt.Errorf("%w: missing org_id", ErrInvalidMetric)
	case m.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidMetric)
	case !metricTypes[m.Type]:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMetric, m.Type)
	case len(m.Value) == 0:
		return fmt.Errorf("%w: missing value", ErrInvalidMetric)
	case !validColumn(m.Name):
		return fmt.Errorf("%w: name too long", ErrInvalidMetric)
	case len(m.Tags) > MaxTagsPerMetric:
		return fmt.Errorf("%w: %d tags exceed the limit of %d", ErrInvalidMetric, len(m.Tags), MaxTagsPerMetric)
	}
	for k, v := range m.Tags {
		if k == "" || !validColumn(k) {
			return fmt.Errorf("%w: invalid tag key %q", ErrInvalidMetric, truncate(k))
		}
		if !validColumn(v) {
			return fmt.Errorf("%w: tag value of %q too long", ErrInvalidMetric, k)
		}
	}
	return nil
}

func validColumn(s string) bool {
	return utf8.RuneCountInString(s) <= MaxIndexedColumnLength
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// UseCaseFromName extracts the use case from a metric resource identifier
// such as "d:transactions/duration@millisecond".
func UseCaseFromName(name string) (types.UseCaseID, bool) {
	colon := strings.IndexByte(name, ':')
	slash := strings.IndexByte(name, '/')
	if colon < 0 || slash < colon {
		return "", false
	}
	useCase := types.UseCaseID(name[colon+1 : slash])
	return useCase, knownUseCases[useCase]
}

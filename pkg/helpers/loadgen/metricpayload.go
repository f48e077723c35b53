package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/processing"
	"github.com/illmade-knight/go-indexer/pkg/types"
)

// MetricPayloadGenerator produces synthetic metrics for the ingest topic.
// Tag values are drawn from a small vocabulary so that most strings repeat
// and exercise the caches.
type MetricPayloadGenerator struct {
	UseCase types.UseCaseID
	// Cardinality is the number of distinct values per tag.
	Cardinality int
	// InvalidRatio is the fraction of payloads emitted without a name, in [0, 1].
	InvalidRatio float64

	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewMetricPayloadGenerator creates a generator with a seeded source.
func NewMetricPayloadGenerator(useCase types.UseCaseID, cardinality int, seed uint64) *MetricPayloadGenerator {
	if cardinality <= 0 {
		cardinality = 10
	}
	return &MetricPayloadGenerator{
		UseCase:     useCase,
		Cardinality: cardinality,
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:         time.Now,
	}
}

var metricShapes = []struct {
	mri   string
	mtype string
}{
	{"c:%s/session@none", "c"},
	{"d:%s/duration@millisecond", "d"},
	{"s:%s/user@none", "s"},
	{"g:%s/queue_depth@none", "g"},
}

var tagKeys = []string{"environment", "release", "transaction", "browser.name"}

// GeneratePayload returns one JSON-encoded metric for the emitter's org.
func (g *MetricPayloadGenerator) GeneratePayload(emitter *Emitter) ([]byte, error) {
	g.mu.Lock()
	shape := metricShapes[g.rnd.IntN(len(metricShapes))]
	tags := make(map[string]string, len(tagKeys))
	for _, k := range tagKeys {
		tags[k] = fmt.Sprintf("%s-%d", k, g.rnd.IntN(g.Cardinality))
	}
	invalid := g.InvalidRatio > 0 && g.rnd.Float64() < g.InvalidRatio
	sample := g.rnd.Float64() * 100
	g.mu.Unlock()

	metric := processing.InboundMetric{
		OrgID:         emitter.OrgID,
		ProjectID:     emitter.OrgID*10 + 1,
		Name:          fmt.Sprintf(shape.mri, g.UseCase),
		Type:          shape.mtype,
		Timestamp:     g.now().Unix(),
		Tags:          tags,
		RetentionDays: 90,
	}
	if invalid {
		metric.Name = ""
	}

	var value any
	switch shape.mtype {
	case "c", "g":
		value = sample
	case "d":
		value = []float64{sample}
	case "s":
		value = []int64{int64(sample)}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	metric.Value = raw
	return json.Marshal(metric)
}

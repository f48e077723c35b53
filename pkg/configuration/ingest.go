package configuration

import (
	"fmt"

	"github.com/illmade-knight/go-indexer/pkg/indexer"
	"github.com/illmade-knight/go-indexer/pkg/types"
)

// IngestProfile selects which family of metrics a consumer indexes.
type IngestProfile string

const (
	ProfileReleaseHealth IngestProfile = "release-health"
	ProfilePerformance   IngestProfile = "performance"
)

// ParseIngestProfile validates a configured profile name.
func ParseIngestProfile(s string) (IngestProfile, error) {
	switch IngestProfile(s) {
	case ProfileReleaseHealth, ProfilePerformance:
		return IngestProfile(s), nil
	}
	return "", fmt.Errorf("%w: unknown ingest profile %q", ErrInvalidConfig, s)
}

// IngestConfiguration holds the per-profile settings of a consumer.
type IngestConfiguration struct {
	DBBackend   indexer.IndexerStorage
	InputTopic  string
	OutputTopic string
	// UseCaseID is the use case of every record, or the fallback when the
	// use case is derived per record.
	UseCaseID      types.UseCaseID
	DeriveUseCase  bool
	IndexTagValues bool
	IsOutputSliced bool
}

// GetIngestConfig returns the defaults of a profile on the given backend.
func GetIngestConfig(profile IngestProfile, storage indexer.IndexerStorage) (*IngestConfiguration, error) {
	if _, err := indexer.ParseIndexerStorage(string(storage)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch profile {
	case ProfileReleaseHealth:
		return &IngestConfiguration{
			DBBackend:      storage,
			InputTopic:     "ingest-metrics",
			OutputTopic:    "snuba-metrics",
			UseCaseID:      types.UseCaseSessions,
			IndexTagValues: true,
		}, nil
	case ProfilePerformance:
		return &IngestConfiguration{
			DBBackend:      storage,
			InputTopic:     "ingest-performance-metrics",
			OutputTopic:    "snuba-generic-metrics",
			UseCaseID:      types.UseCaseTransactions,
			DeriveUseCase:  true,
			IndexTagValues: false,
			IsOutputSliced: true,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown ingest profile %q", ErrInvalidConfig, profile)
}

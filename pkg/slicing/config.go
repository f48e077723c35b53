package slicing

import (
	"errors"
	"fmt"
	"sort"
)

// LogicalPartitionCount is the number of logical partitions orgs are hashed
// onto. Slices own contiguous ranges of logical partitions.
const LogicalPartitionCount = 256

// ErrInvalidSlicingConfig is wrapped by every Validate failure.
var ErrInvalidSlicingConfig = errors.New("invalid slicing configuration")

// PartitionRange assigns logical partitions [Lo, Hi) to a slice.
type PartitionRange struct {
	Lo      int `yaml:"lo"`
	Hi      int `yaml:"hi"`
	SliceID int `yaml:"slice_id"`
}

// SliceDestination is the output cluster and topic of one slice.
type SliceDestination struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Config is the routing table of a sliced deployment.
type Config struct {
	Ranges       []PartitionRange         `yaml:"ranges"`
	Destinations map[int]SliceDestination `yaml:"destinations"`
}

// LogicalPartition maps an org onto its logical partition.
func LogicalPartition(orgID int64) int {
	return int(orgID % LogicalPartitionCount)
}

// Validate checks that the ranges cover [0, LogicalPartitionCount) exactly
// once and that every slice they name has a destination.
func (c *Config) Validate() error {
	if len(c.Ranges) == 0 {
		return fmt.Errorf("%w: no partition ranges", ErrInvalidSlicingConfig)
	}
	ranges := make([]PartitionRange, len(c.Ranges))
	copy(ranges, c.Ranges)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lo < ranges[j].Lo })

	next := 0
	for _, r := range ranges {
		if r.Lo < 0 || r.Hi > LogicalPartitionCount || r.Lo >= r.Hi {
			return fmt.Errorf("%w: range [%d, %d) is out of bounds", ErrInvalidSlicingConfig, r.Lo, r.Hi)
		}
		if r.Lo < next {
			return fmt.Errorf("%w: range [%d, %d) overlaps a previous range", ErrInvalidSlicingConfig, r.Lo, r.Hi)
		}
		if r.Lo > next {
			return fmt.Errorf("%w: logical partitions [%d, %d) are not assigned", ErrInvalidSlicingConfig, next, r.Lo)
		}
		dest, ok := c.Destinations[r.SliceID]
		if !ok {
			return fmt.Errorf("%w: slice %d has no destination", ErrInvalidSlicingConfig, r.SliceID)
		}
		if len(dest.Brokers) == 0 || dest.Topic == "" {
			return fmt.Errorf("%w: slice %d needs brokers and a topic", ErrInvalidSlicingConfig, r.SliceID)
		}
		next = r.Hi
	}
	if next != LogicalPartitionCount {
		return fmt.Errorf("%w: logical partitions [%d, %d) are not assigned", ErrInvalidSlicingConfig, next, LogicalPartitionCount)
	}
	return nil
}

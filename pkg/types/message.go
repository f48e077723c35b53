package types

import (
	"fmt"
	"time"
)

// Partition identifies one partition of a topic on the source log.
type Partition struct {
	Topic string `msgpack:"t"`
	Index int32  `msgpack:"i"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%d", p.Topic, p.Index)
}

// Origin is the position a record was read from.
type Origin struct {
	Partition Partition `msgpack:"p"`
	Offset    int64     `msgpack:"o"`
}

// Message is the unit every pipeline step receives and forwards.
//
// A Message read straight from the log carries an Origin. Messages built by
// a step out of several others (batches) carry an explicit offsets map
// instead. Filtered messages have no payload and exist only so that their
// offsets are committed in order with everything around them.
type Message[T any] struct {
	Payload   T         `msgpack:"v"`
	Timestamp time.Time `msgpack:"ts"`
	Origin    *Origin   `msgpack:"org,omitempty"`
	Filtered  bool      `msgpack:"f,omitempty"`

	offsets map[Partition]int64
}

// NewRecord builds a message for a record read from the given position.
func NewRecord[T any](payload T, partition Partition, offset int64, ts time.Time) Message[T] {
	return Message[T]{
		Payload:   payload,
		Timestamp: ts,
		Origin:    &Origin{Partition: partition, Offset: offset},
	}
}

// NewMessage builds a message that commits the given offsets once handled.
func NewMessage[T any](payload T, offsets map[Partition]int64, ts time.Time) Message[T] {
	return Message[T]{Payload: payload, Timestamp: ts, offsets: offsets}
}

// Committable returns the next offset per partition that becomes safe to
// commit once this message has been fully handled.
func (m Message[T]) Committable() map[Partition]int64 {
	if m.offsets != nil {
		return m.offsets
	}
	if m.Origin != nil {
		return map[Partition]int64{m.Origin.Partition: m.Origin.Offset + 1}
	}
	return map[Partition]int64{}
}

// Replace returns a message carrying the same position and offsets as m
// with a new payload.
func Replace[U, T any](m Message[T], payload U) Message[U] {
	return Message[U]{
		Payload:   payload,
		Timestamp: m.Timestamp,
		Origin:    m.Origin,
		Filtered:  m.Filtered,
		offsets:   m.offsets,
	}
}

// FilteredFrom converts a filtered message to another payload type. The
// offsets are kept, the payload is the zero value.
func FilteredFrom[U, T any](m Message[T]) Message[U] {
	var zero U
	out := Replace[U](m, zero)
	out.Filtered = true
	return out
}

// NewFiltered builds a filtered message that only commits the given offsets.
func NewFiltered[T any](offsets map[Partition]int64, ts time.Time) Message[T] {
	var zero T
	return Message[T]{Payload: zero, Timestamp: ts, Filtered: true, offsets: offsets}
}

// MergeOffsets folds src into dst keeping the highest offset per partition.
func MergeOffsets(dst, src map[Partition]int64) {
	for p, o := range src {
		if cur, ok := dst[p]; !ok || o > cur {
			dst[p] = o
		}
	}
}

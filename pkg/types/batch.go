package types

// Batch is an ordered group of messages sealed by the batching step.
//
// The batch owns its messages. Offsets and timestamps of the individual
// messages are kept so that the transform running on the batch can report
// per message outcomes (for example an invalid record at a given offset).
type Batch[T any] struct {
	Messages []Message[T] `msgpack:"m"`
}

// Len returns the number of messages in the batch.
func (b Batch[T]) Len() int {
	return len(b.Messages)
}

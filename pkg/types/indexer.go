package types

// UseCaseID names the product area a metric belongs to. Indexed strings are
// namespaced per use case.
type UseCaseID string

const (
	UseCaseSessions     UseCaseID = "sessions"
	UseCaseTransactions UseCaseID = "transactions"
	UseCaseSpans        UseCaseID = "spans"
	UseCaseCustom       UseCaseID = "custom"
	UseCaseEscalating   UseCaseID = "escalating_issues"
)

// CogsData is usage accounting produced by the processor: payload bytes per
// use case. The pipeline threads it through without interpreting it.
type CogsData map[UseCaseID]int

// InvalidMessageMeta identifies an input record that could not be processed.
type InvalidMessageMeta struct {
	Partition Partition `msgpack:"p"`
	Offset    int64     `msgpack:"o"`
}

// IndexerOutputBatch is the result of processing one batch: one output per
// valid record, one marker per invalid record, never both.
type IndexerOutputBatch struct {
	Data            []Message[RoutingPayload] `msgpack:"d"`
	InvalidMessages []InvalidMessageMeta      `msgpack:"i,omitempty"`
	Cogs            CogsData                  `msgpack:"c,omitempty"`
}

package types

// Header is a single record header.
type Header struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// KafkaPayload is the body of a record as read from, or written to, the log.
type KafkaPayload struct {
	Key     []byte   `msgpack:"k,omitempty"`
	Value   []byte   `msgpack:"v"`
	Headers []Header `msgpack:"h,omitempty"`
}

// Header returns the value of the first header named key.
func (p KafkaPayload) Header(key string) ([]byte, bool) {
	for _, h := range p.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// RoutingHeader carries the values the output router slices on. It is
// computed once, by the message processor.
type RoutingHeader struct {
	OrgID int64 `msgpack:"org_id"`
}

// RoutingPayload is a processed record ready to be published.
type RoutingPayload struct {
	RoutingHeader RoutingHeader `msgpack:"rh"`
	Payload       KafkaPayload  `msgpack:"p"`
}

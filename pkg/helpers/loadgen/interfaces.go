package loadgen

import (
	"context"
)

// PayloadGenerator defines the interface for generating message payloads.
// It is passed the emitter so that emitter-specific information (the org)
// can be included in the payload.
type PayloadGenerator interface {
	GeneratePayload(emitter *Emitter) ([]byte, error)
}

// Client defines the interface for a client that can publish messages.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	// Publish generates the emitter's next payload and sends it.
	Publish(ctx context.Context, emitter *Emitter) error
}

package relay

import (
	"context"
	"io"
	"net/http"

	"github.com/modelgate/modelgate/internal/channel"
)

// Adapter translates between the canonical chat shape and one provider
// dialect. Adapters are stateless; one instance serves all channels of
// its provider type.
type Adapter interface {
	// BuildRequest produces the outbound HTTP request for the channel,
	// credentials applied. The request inherits ctx so a client
	// disconnect cancels the upstream call.
	BuildRequest(ctx context.Context, ch *channel.Channel, req *ChatRequest) (*http.Request, error)
	// ParseResponse converts a non-streaming upstream body back to the
	// canonical response.
	ParseResponse(body []byte, req *ChatRequest) (*ChatResponse, error)
	// NewStreamDecoder wraps an upstream streaming body. Next returns
	// io.EOF after the final event.
	NewStreamDecoder(r io.Reader, req *ChatRequest) StreamDecoder
}

// StreamDecoder yields canonical stream chunks from an upstream body.
type StreamDecoder interface {
	Next() (*StreamChunk, error)
	// Usage returns the token counts observed so far. After an
	// interrupted stream it reports whatever the upstream had delivered,
	// so partial cost is still attributable.
	Usage() Usage
}

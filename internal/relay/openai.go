package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/internal/channel"
)

// OpenAIAdapter speaks to OpenAI-compatible upstreams. The canonical
// shape is already the OpenAI wire format, so conversion is a
// passthrough with credentials applied.
type OpenAIAdapter struct{}

func NewOpenAIAdapter() *OpenAIAdapter { return &OpenAIAdapter{} }

func (a *OpenAIAdapter) BuildRequest(ctx context.Context, ch *channel.Channel, req *ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ch.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+ch.Credentials["api_key"])
	if org := ch.Credentials["organization"]; org != "" {
		httpReq.Header.Set("OpenAI-Organization", org)
	}
	return httpReq, nil
}

func (a *OpenAIAdapter) ParseResponse(body []byte, _ *ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &resp, nil
}

func (a *OpenAIAdapter) NewStreamDecoder(r io.Reader, _ *ChatRequest) StreamDecoder {
	return &openAIStreamDecoder{scanner: bufio.NewScanner(r)}
}

type openAIStreamDecoder struct {
	scanner *bufio.Scanner
	usage   Usage
}

// Next reads the upstream SSE stream one data line at a time. The
// upstream format is already canonical; [DONE] terminates the stream.
func (d *openAIStreamDecoder) Next() (*StreamChunk, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			return nil, io.EOF
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			d.usage = *chunk.Usage
		}
		return &chunk, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (d *openAIStreamDecoder) Usage() Usage {
	return d.usage
}

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
	"time"

	"github.com/modelgate/modelgate/internal/channel"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter translates between the canonical chat shape and the
// Anthropic messages API.
type AnthropicAdapter struct {
	// defaultMaxTokens fills max_tokens when the caller omits it; the
	// messages API makes the field mandatory.
	defaultMaxTokens int
}

// NewAnthropicAdapter builds the adapter; defaults come from the
// provider type declaration.
func NewAnthropicAdapter(defaults map[string]any) *AnthropicAdapter {
	a := &AnthropicAdapter{defaultMaxTokens: 1000}
	if v, ok := defaults["max_tokens"].(int); ok && v > 0 {
		a.defaultMaxTokens = v
	}
	return a
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) BuildRequest(ctx context.Context, ch *channel.Channel, req *ChatRequest) (*http.Request, error) {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     a.defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: []string(req.Stop),
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	// The messages API takes the system prompt as a top-level field;
	// hoist every system turn out of the message list, in order.
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage(m))
	}
	out.System = strings.Join(system, "\n\n")

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ch.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", ch.Credentials["api_key"])
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (a *AnthropicAdapter) ParseResponse(body []byte, req *ChatRequest) (*ChatResponse, error) {
	var up anthropicResponse
	if err := json.Unmarshal(body, &up); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	var text strings.Builder
	for _, block := range up.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: mapStopReason(up.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     up.Usage.InputTokens,
			CompletionTokens: up.Usage.OutputTokens,
			TotalTokens:      up.Usage.InputTokens + up.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

func (a *AnthropicAdapter) NewStreamDecoder(r io.Reader, req *ChatRequest) StreamDecoder {
	return &anthropicStreamDecoder{
		scanner: bufio.NewScanner(r),
		id:      newCompletionID(),
		created: time.Now().Unix(),
		model:   req.Model,
	}
}

// anthropicStreamDecoder converts the messages API event stream to
// canonical chunks: message_start opens the assistant turn,
// content_block_delta carries text, and the stream always closes with
// an empty-delta finish chunk — from message_delta's stop reason when
// the upstream sends one, otherwise synthesized at message_stop.
type anthropicStreamDecoder struct {
	scanner    *bufio.Scanner
	id         string
	created    int64
	model      string
	usage      Usage
	sentFinish bool
	done       bool
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicStreamDecoder) Next() (*StreamChunk, error) {
	if d.done {
		return nil, io.EOF
	}
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &ev); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			d.usage.PromptTokens = ev.Message.Usage.InputTokens
			return d.chunk(Delta{Role: RoleAssistant}, nil), nil
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" {
				continue
			}
			return d.chunk(Delta{Content: ev.Delta.Text}, nil), nil
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				d.usage.CompletionTokens = ev.Usage.OutputTokens
			}
			if ev.Delta.StopReason == "" {
				continue
			}
			d.sentFinish = true
			reason := mapStopReason(ev.Delta.StopReason)
			return d.chunk(Delta{}, &reason), nil
		case "message_stop":
			d.done = true
			if d.sentFinish {
				return nil, io.EOF
			}
			d.sentFinish = true
			reason := FinishStop
			return d.chunk(Delta{}, &reason), nil
		default:
			// ping, content_block_start, content_block_stop: nothing to
			// forward.
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (d *anthropicStreamDecoder) Usage() Usage {
	u := d.usage
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func (d *anthropicStreamDecoder) chunk(delta Delta, finish *string) *StreamChunk {
	return &StreamChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: d.created,
		Model:   d.model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

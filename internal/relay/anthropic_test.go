package relay

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/channel"
)

func anthropicTestChannel() *channel.Channel {
	return &channel.Channel{
		ID:           "ch-anthropic",
		TenantID:     "acme",
		ProviderType: "anthropic",
		BaseURL:      "https://api.anthropic.com",
		Credentials:  map[string]string{"api_key": "sk-ant-test"},
	}
}

func newAnthropicTestAdapter() *AnthropicAdapter {
	return NewAnthropicAdapter(map[string]any{"max_tokens": 1000})
}

func TestAnthropicBuildRequest(t *testing.T) {
	adapter := newAnthropicTestAdapter()
	temp := 0.7
	req := &ChatRequest{
		Model: "claude-3-opus-20240229",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are terse."},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleSystem, Content: "Answer in English."},
			{Role: RoleAssistant, Content: "Hello"},
			{Role: RoleUser, Content: "Bye"},
		},
		Temperature: &temp,
		Stop:        StopList{"END"},
	}

	httpReq, err := adapter.BuildRequest(context.Background(), anthropicTestChannel(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", httpReq.URL.String())
	assert.Equal(t, "sk-ant-test", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, httpReq.Header.Get("anthropic-version"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	var out anthropicRequest
	require.NoError(t, json.Unmarshal(body, &out))

	// System turns are hoisted, in order; the rest keep their roles.
	assert.Equal(t, "You are terse.\n\nAnswer in English.", out.System)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, RoleUser, out.Messages[0].Role)
	assert.Equal(t, RoleAssistant, out.Messages[1].Role)

	assert.Equal(t, 1000, out.MaxTokens, "omitted max_tokens falls back to the provider default")
	assert.Equal(t, []string{"END"}, out.StopSequences)
	require.NotNil(t, out.Temperature)
	assert.Equal(t, 0.7, *out.Temperature)
}

func TestAnthropicBuildRequestExplicitMaxTokens(t *testing.T) {
	adapter := newAnthropicTestAdapter()
	maxTokens := 42
	req := &ChatRequest{
		Model:     "claude-3-opus-20240229",
		Messages:  []Message{{Role: RoleUser, Content: "Hi"}},
		MaxTokens: &maxTokens,
	}

	httpReq, err := adapter.BuildRequest(context.Background(), anthropicTestChannel(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	var out anthropicRequest
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 42, out.MaxTokens)
}

func TestAnthropicParseResponse(t *testing.T) {
	adapter := newAnthropicTestAdapter()
	req := &ChatRequest{Model: "claude-3-opus-20240229"}

	upstream := `{
		"id": "msg_01",
		"model": "claude-3-opus-20240229",
		"content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "world"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 5}
	}`

	resp, err := adapter.ParseResponse([]byte(upstream), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, FinishStop, mapStopReason("end_turn"))
	assert.Equal(t, FinishStop, mapStopReason("stop_sequence"))
	assert.Equal(t, FinishLength, mapStopReason("max_tokens"))
	assert.Equal(t, FinishToolCalls, mapStopReason("tool_use"))
	assert.Equal(t, FinishStop, mapStopReason("something_new"))
}

func TestAnthropicStreamDecoder(t *testing.T) {
	adapter := newAnthropicTestAdapter()
	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start"}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	dec := adapter.NewStreamDecoder(strings.NewReader(stream), &ChatRequest{Model: "claude-3-opus-20240229"})

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, first.Choices[0].Delta.Role)
	assert.Equal(t, "chat.completion.chunk", first.Object)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hel", second.Choices[0].Delta.Content)
	assert.Equal(t, first.ID, second.ID, "every chunk of a stream shares one id")

	third, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "lo", third.Choices[0].Delta.Content)

	final, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, FinishStop, *final.Choices[0].FinishReason)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17}, dec.Usage())
}

func TestAnthropicStreamDecoderFinishesOnMessageStop(t *testing.T) {
	// Some upstreams never send a message_delta with a stop reason; the
	// stream must still close with an empty-delta finish chunk before EOF.
	adapter := newAnthropicTestAdapter()
	stream := strings.Join([]string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"b"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"c"}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	dec := adapter.NewStreamDecoder(strings.NewReader(stream), &ChatRequest{Model: "claude-3-opus-20240229"})

	var finishes []string
	var content strings.Builder
	for {
		chunk, err := dec.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			finishes = append(finishes, *chunk.Choices[0].FinishReason)
		}
	}
	assert.Equal(t, "abc", content.String())
	assert.Equal(t, []string{FinishStop}, finishes)
}

func TestOpenAIBuildRequestPassthrough(t *testing.T) {
	adapter := NewOpenAIAdapter()
	n := 2
	presence := 0.5
	frequency := -0.25
	req := &ChatRequest{
		Model:            "gpt-4o",
		Messages:         []Message{{Role: RoleUser, Content: "Hi"}},
		N:                &n,
		Stop:             StopList{"END"},
		PresencePenalty:  &presence,
		FrequencyPenalty: &frequency,
		LogitBias:        map[string]float64{"50256": -100},
		Stream:           true,
	}
	ch := &channel.Channel{
		BaseURL:     "https://api.openai.com",
		Credentials: map[string]string{"api_key": "sk-test", "organization": "org-9"},
	}

	httpReq, err := adapter.BuildRequest(context.Background(), ch, req)
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "org-9", httpReq.Header.Get("OpenAI-Organization"))

	// The identity mapping must not strip any declared field.
	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	var echo ChatRequest
	require.NoError(t, json.Unmarshal(body, &echo))
	assert.Equal(t, req.Model, echo.Model)
	assert.True(t, echo.Stream)
	assert.Equal(t, 2, *echo.N)
	assert.Equal(t, StopList{"END"}, echo.Stop)
	assert.Equal(t, 0.5, *echo.PresencePenalty)
	assert.Equal(t, -0.25, *echo.FrequencyPenalty)
	assert.Equal(t, map[string]float64{"50256": -100}, echo.LogitBias)
}

func TestOpenAIStreamDecoder(t *testing.T) {
	adapter := NewOpenAIAdapter()
	stream := strings.Join([]string{
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	dec := adapter.NewStreamDecoder(strings.NewReader(stream), nil)

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, first.Choices[0].Delta.Role)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hi", second.Choices[0].Delta.Content)

	_, err = dec.Next()
	require.NoError(t, err)
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, Usage{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5}, dec.Usage())
}

func TestChatRequestValidate(t *testing.T) {
	valid := func() *ChatRequest {
		return &ChatRequest{
			Model:    "gpt-4o",
			Messages: []Message{{Role: RoleUser, Content: "Hi"}},
		}
	}
	assert.NoError(t, valid().Validate())

	// The wire format names five roles; all of them are legal input.
	for _, role := range []string{RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction} {
		r := valid()
		r.Messages[0].Role = role
		assert.NoError(t, r.Validate(), "role %q", role)
	}

	r := valid()
	r.Model = ""
	assert.Error(t, r.Validate())

	r = valid()
	r.Messages = nil
	assert.Error(t, r.Validate())

	r = valid()
	r.Messages[0].Role = "robot"
	assert.Error(t, r.Validate())

	r = valid()
	bad := 0
	r.MaxTokens = &bad
	assert.Error(t, r.Validate())

	r = valid()
	r.N = &bad
	assert.Error(t, r.Validate())

	r = valid()
	hot := 3.0
	r.Temperature = &hot
	assert.Error(t, r.Validate())
}

func TestChatRequestDecodesWireShape(t *testing.T) {
	// stop accepts both the single-string and the array form.
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "tool", "content": "result"}],
		"stop": "END",
		"n": 2,
		"presence_penalty": 0.5,
		"frequency_penalty": -0.5,
		"logit_bias": {"50256": -100}
	}`), &req))
	require.NoError(t, req.Validate())
	assert.Equal(t, StopList{"END"}, req.Stop)
	assert.Equal(t, 2, *req.N)
	assert.Equal(t, 0.5, *req.PresencePenalty)
	assert.Equal(t, -0.5, *req.FrequencyPenalty)
	assert.Equal(t, map[string]float64{"50256": -100}, req.LogitBias)

	var arr ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":["a","b"]}`), &arr))
	assert.Equal(t, StopList{"a", "b"}, arr.Stop)

	var bad ChatRequest
	assert.Error(t, json.Unmarshal([]byte(`{"stop": 7}`), &bad))
}

func TestNewCompletionID(t *testing.T) {
	a, b := newCompletionID(), newCompletionID()
	assert.True(t, strings.HasPrefix(a, "chatcmpl-"))
	assert.Len(t, a, len("chatcmpl-")+12)
	assert.NotEqual(t, a, b)
}

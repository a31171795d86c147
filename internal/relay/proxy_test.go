package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/channel"
	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
)

const proxyVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type proxyChannelStore struct {
	records map[string]*storage.ChannelRecord
}

func newProxyChannelStore() *proxyChannelStore {
	return &proxyChannelStore{records: make(map[string]*storage.ChannelRecord)}
}

func (f *proxyChannelStore) Create(_ context.Context, c *storage.ChannelRecord) error {
	f.records[c.ID] = c
	return nil
}

func (f *proxyChannelStore) Update(_ context.Context, c *storage.ChannelRecord) error {
	f.records[c.ID] = c
	return nil
}

func (f *proxyChannelStore) Delete(_ context.Context, _, id string) error {
	delete(f.records, id)
	return nil
}

func (f *proxyChannelStore) GetByID(_ context.Context, tenantID, id string) (*storage.ChannelRecord, error) {
	c, ok := f.records[id]
	if !ok || c.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *proxyChannelStore) ListByTenant(_ context.Context, tenantID string) ([]*storage.ChannelRecord, error) {
	var out []*storage.ChannelRecord
	for _, c := range f.records {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *proxyChannelStore) ListAll(_ context.Context) ([]*storage.ChannelRecord, error) {
	var out []*storage.ChannelRecord
	for _, c := range f.records {
		out = append(out, c)
	}
	return out, nil
}

func newProxyFixture(t *testing.T) (*Proxy, *channel.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	vault, err := provider.NewVault(proxyVaultKey)
	require.NoError(t, err)
	manager := channel.NewManager(newProxyChannelStore(), vault, kvStore)
	proxy := NewProxy(manager, provider.NewRegistry(nil), &http.Client{}, 3)
	return proxy, manager
}

func registerUpstream(t *testing.T, m *channel.Manager, name, baseURL string) *channel.Channel {
	t.Helper()
	ch, err := m.Register(context.Background(), &channel.Channel{
		TenantID:     "acme",
		Name:         name,
		ProviderType: provider.TypeOpenAI,
		BaseURL:      baseURL,
		Credentials:  map[string]string{"api_key": "sk-" + name},
		Models:       []string{"gpt-3.5-turbo"},
		Status:       channel.StatusActive,
		Weight:       100,
	})
	require.NoError(t, err)
	return ch
}

func completionsRequest(t *testing.T, req *ChatRequest) *http.Request {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	ctx := tenant.WithContext(r.Context(), &tenant.Context{
		TenantID: "acme",
		UserID:   uuid.New(),
	})
	return r.WithContext(ctx)
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-upstream",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-3.5-turbo",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
	}`, content)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Errors  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestChatCompletionsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer sk-"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Hello!"))
	}))
	defer upstream.Close()

	proxy, manager := newProxyFixture(t)
	registerUpstream(t, manager, "primary", upstream.URL)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	}))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestChatCompletionsFailsOverOnUpstreamError(t *testing.T) {
	// First hit fails, later hits succeed. Both channels point at the
	// same server, so whichever is drawn first eats the failure and the
	// retry on the other channel must land the request.
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, completionBody("recovered"))
	}))
	defer upstream.Close()

	proxy, manager := newProxyFixture(t)
	registerUpstream(t, manager, "c1", upstream.URL)
	registerUpstream(t, manager, "c2", upstream.URL)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), hits.Load())
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "recovered", resp.Choices[0].Message.Content)
}

func TestChatCompletionsAllChannelsFail(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	proxy, manager := newProxyFixture(t)
	registerUpstream(t, manager, "c1", upstream.URL)
	registerUpstream(t, manager, "c2", upstream.URL)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	}))

	require.Equal(t, http.StatusBadGateway, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	require.NotEmpty(t, env.Errors)
	assert.Equal(t, "UPSTREAM_ERROR", env.Errors[0].Code)
}

func TestChatCompletionsNoChannelForModel(t *testing.T) {
	proxy, _ := newProxyFixture(t)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	}))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Errors[0].Message, "gpt-3.5-turbo")
}

func TestChatCompletionsTerminalRejection(t *testing.T) {
	// A plain 4xx is the request's fault; the proxy must not burn the
	// remaining channels retrying it.
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	proxy, manager := newProxyFixture(t)
	registerUpstream(t, manager, "c1", upstream.URL)
	registerUpstream(t, manager, "c2", upstream.URL)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	}))

	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int32(1), hits.Load())
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Errors[0].Message, "status 400")
}

func TestChatCompletionsRejectsInvalidRequest(t *testing.T) {
	proxy, _ := newProxyFixture(t)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model: "gpt-3.5-turbo",
	}))

	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "VALIDATION_ERROR", env.Errors[0].Code)
	assert.Contains(t, env.Errors[0].Message, "messages")
}

func TestChatCompletionsRequiresIdentity(t *testing.T) {
	proxy, _ := newProxyFixture(t)

	body, _ := json.Marshal(&ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletionsStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream, "stream flag must reach the upstream")

		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"id":"chatcmpl-up","object":"chat.completion.chunk","model":"gpt-3.5-turbo","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
			`data: {"id":"chatcmpl-up","object":"chat.completion.chunk","model":"gpt-3.5-turbo","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
			`data: {"id":"chatcmpl-up","object":"chat.completion.chunk","model":"gpt-3.5-turbo","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer upstream.Close()

	proxy, manager := newProxyFixture(t)
	registerUpstream(t, manager, "streamer", upstream.URL)

	w := httptest.NewRecorder()
	proxy.ChatCompletions(w, completionsRequest(t, &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
		Stream:   true,
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	require.Len(t, events, 4)
	assert.Equal(t, "data: [DONE]", events[3])

	var content strings.Builder
	var sawFinish bool
	for _, ev := range events[:3] {
		payload := strings.TrimPrefix(ev, "data: ")
		var chunk StreamChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		require.Len(t, chunk.Choices, 1)
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			assert.Equal(t, FinishStop, *chunk.Choices[0].FinishReason)
			sawFinish = true
		}
	}
	assert.Equal(t, "Hi", content.String())
	assert.True(t, sawFinish)
}

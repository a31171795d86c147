package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/channel"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/tenant"
)

// maxBodyBytes caps inbound completion requests.
const maxBodyBytes = 1 << 20

// Proxy is the chat completions front door: it validates the canonical
// request, draws a channel, forwards through the channel's adapter, and
// retries on another channel when an upstream fails.
type Proxy struct {
	manager  *channel.Manager
	adapters map[string]Adapter
	client   *http.Client
	// maxAttempts bounds the exclude-and-retry loop.
	maxAttempts int
}

// NewProxy wires the proxy. Adapter defaults come from the provider
// registry's type declarations; maxAttempts below 1 falls back to 3.
func NewProxy(manager *channel.Manager, registry *provider.Registry, client *http.Client, maxAttempts int) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	adapters := map[string]Adapter{
		provider.TypeOpenAI: NewOpenAIAdapter(),
	}
	if t, err := registry.Get(provider.TypeAnthropic); err == nil {
		adapters[provider.TypeAnthropic] = NewAnthropicAdapter(t.Defaults)
	}
	return &Proxy{
		manager:     manager,
		adapters:    adapters,
		client:      client,
		maxAttempts: maxAttempts,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (p *Proxy) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}

	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, err.Error())
		return
	}

	start := time.Now()
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		ch, err := p.manager.Select(r.Context(), tc.TenantID, req.Model, exclude)
		if err != nil {
			if errors.Is(err, channel.ErrNoChannelAvailable) {
				break
			}
			lastErr = err
			break
		}

		adapter, ok := p.adapters[ch.ProviderType]
		if !ok {
			slog.Error("no adapter for provider type", "provider_type", ch.ProviderType, "channel_id", ch.ID)
			exclude[ch.ID] = true
			continue
		}

		done, err := p.forward(w, r, adapter, ch, &req, start)
		if done {
			return
		}
		lastErr = err
		exclude[ch.ID] = true
	}

	if lastErr != nil {
		slog.Warn("all channels exhausted",
			"tenant_id", tc.TenantID, "model", req.Model, "error", lastErr)
		respond.Error(w, r, http.StatusBadGateway, respond.CodeUpstream, "all upstream channels failed")
		return
	}
	respond.Error(w, r, http.StatusServiceUnavailable, respond.CodeUnavailable,
		fmt.Sprintf("no channel available for model %q", req.Model))
}

// forward runs one attempt against one channel. It returns done=true
// when a response (success or terminal failure) has been written; a
// false return with an error means the attempt is retryable on another
// channel.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, adapter Adapter, ch *channel.Channel, req *ChatRequest, start time.Time) (bool, error) {
	upReq, err := adapter.BuildRequest(r.Context(), ch, req)
	if err != nil {
		// A build failure is our bug, not the channel's.
		slog.Error("build upstream request", "channel_id", ch.ID, "error", err)
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "internal error")
		return true, nil
	}

	attemptStart := time.Now()
	upResp, err := p.client.Do(upReq)
	if err != nil {
		p.manager.ReportResult(ch.ID, time.Since(attemptStart), err)
		return false, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	defer upResp.Body.Close()

	if retryableStatus(upResp.StatusCode) {
		io.Copy(io.Discard, io.LimitReader(upResp.Body, 4096))
		err := fmt.Errorf("channel %s: upstream status %d", ch.ID, upResp.StatusCode)
		p.manager.ReportResult(ch.ID, time.Since(attemptStart), err)
		return false, err
	}

	if upResp.StatusCode != http.StatusOK {
		// The upstream rejected the request itself; another channel
		// would reject it the same way. The channel did answer, so its
		// health is unaffected.
		p.manager.ReportResult(ch.ID, time.Since(attemptStart), nil)
		slog.Info("upstream rejected request",
			"channel_id", ch.ID, "model", req.Model, "status", upResp.StatusCode)
		respond.Error(w, r, http.StatusBadGateway, respond.CodeUpstream,
			fmt.Sprintf("upstream rejected request with status %d", upResp.StatusCode))
		return true, nil
	}

	if req.Stream {
		p.streamResponse(w, r, adapter, upResp.Body, req, ch, attemptStart, start)
		return true, nil
	}

	body, err := io.ReadAll(upResp.Body)
	if err != nil {
		p.manager.ReportResult(ch.ID, time.Since(attemptStart), err)
		return false, fmt.Errorf("channel %s: read body: %w", ch.ID, err)
	}
	resp, err := adapter.ParseResponse(body, req)
	if err != nil {
		p.manager.ReportResult(ch.ID, time.Since(attemptStart), err)
		return false, fmt.Errorf("channel %s: %w", ch.ID, err)
	}

	latency := time.Since(attemptStart)
	p.manager.ReportResult(ch.ID, latency, nil)
	p.logRequest(r, req, ch, latency, start, resp.Usage)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("write completion response", "error", err)
	}
	return true, nil
}

// streamResponse relays the upstream event stream as canonical SSE and
// closes with the [DONE] sentinel. A client disconnect cancels the
// upstream call through the request context; whatever was delivered
// still counts toward the channel's metrics.
func (p *Proxy) streamResponse(w http.ResponseWriter, r *http.Request, adapter Adapter, body io.Reader, req *ChatRequest, ch *channel.Channel, attemptStart, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	dec := adapter.NewStreamDecoder(body, req)
	for {
		chunk, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("stream interrupted",
					"channel_id", ch.ID, "model", req.Model, "error", err)
			}
			break
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("encode stream chunk", "error", err)
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	latency := time.Since(attemptStart)
	p.manager.ReportResult(ch.ID, latency, nil)
	p.logRequest(r, req, ch, latency, start, dec.Usage())
}

// retryableStatus reports whether an upstream status justifies failing
// over to another channel.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (p *Proxy) logRequest(r *http.Request, req *ChatRequest, ch *channel.Channel, latency time.Duration, start time.Time, usage Usage) {
	tc, _ := tenant.FromContext(r.Context())
	slog.Info("completion relayed",
		"tenant_id", tc.TenantID,
		"model", req.Model,
		"channel_id", ch.ID,
		"provider_type", ch.ProviderType,
		"stream", req.Stream,
		"upstream_ms", latency.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
	)
}

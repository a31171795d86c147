package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TypeAnthropic is the id of the Anthropic provider.
const TypeAnthropic = "anthropic"

// anthropicVersion is the API version header every request must carry.
const anthropicVersion = "2023-06-01"

func newAnthropicType() *Type {
	return &Type{
		ID:          TypeAnthropic,
		DisplayName: "Anthropic",
		BaseURL:     "https://api.anthropic.com",
		Credentials: []CredentialField{
			{Key: "api_key", Type: "string", Required: true, Sensitive: true},
		},
		Models: []string{
			"claude-3-haiku-20240307",
			"claude-3-sonnet-20240229",
			"claude-3-opus-20240229",
			"claude-3-5-sonnet-20240620",
		},
		Defaults: map[string]any{
			// The messages API requires max_tokens; this is the
			// fallback when the caller omits it.
			"max_tokens": 1000,
		},
		validate: validateAnthropic,
	}
}

func validateAnthropic(ctx context.Context, client *http.Client, baseURL string, creds map[string]string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("x-api-key", creds["api_key"])
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return elapsed, fmt.Errorf("probe rejected: status %d", resp.StatusCode)
	}
	return elapsed, nil
}

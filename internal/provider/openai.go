package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TypeOpenAI is the id of the OpenAI-compatible provider family.
const TypeOpenAI = "openai"

func newOpenAIType() *Type {
	return &Type{
		ID:          TypeOpenAI,
		DisplayName: "OpenAI",
		BaseURL:     "https://api.openai.com",
		Credentials: []CredentialField{
			{Key: "api_key", Type: "string", Required: true, Sensitive: true},
			{Key: "organization", Type: "string"},
		},
		Models: []string{
			"gpt-3.5-turbo",
			"gpt-4",
			"gpt-4-turbo",
			"gpt-4o",
			"gpt-4o-mini",
		},
		Defaults: map[string]any{},
		validate: validateOpenAI,
	}
}

// validateOpenAI probes the models listing, the cheapest authenticated
// endpoint the API offers.
func validateOpenAI(ctx context.Context, client *http.Client, baseURL string, creds map[string]string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds["api_key"])
	if org := creds["organization"]; org != "" {
		req.Header.Set("OpenAI-Organization", org)
	}

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

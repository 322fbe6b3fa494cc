// Package llm defines the narrow interface the negotiation core consumes
// to reach a text-completion service. The service itself (provider
// selection, auth, model catalog) is an external collaborator; this
// package only specifies the shape the core calls and a minimal client
// good enough to exercise it end to end.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider is satisfied by any text-completion backend. Implementations
// are expected to be stateless and safe for concurrent use once
// constructed.
type Provider interface {
	// Complete sends a system/user prompt pair and returns the raw
	// completion text. Callers treat the LLM as an unreliable oracle:
	// every Complete call must be wrapped by a parser tolerant of
	// code-fence framing and extraneous prose, and every call site must
	// have an algorithmic fallback.
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// HTTPProvider is a minimal OpenAI-compatible chat-completions client.
// It does not pull in a provider SDK; it speaks the common
// `/chat/completions` JSON shape used by OpenAI and OpenAI-compatible
// gateways (including local/self-hosted ones reachable via BaseURL).
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPProvider constructs a client. baseURL defaults to the OpenAI
// API if empty.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements Provider.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 100
	}
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// ExtractJSON strips markdown code-fence framing (```json ... ``` or
// ``` ... ```) and returns the first balanced-looking {...} substring.
// LLMs are treated as unreliable oracles: this tolerates prose before
// or after the JSON object.
func ExtractJSON(text string) (string, error) {
	t := strings.TrimSpace(text)
	if strings.Contains(t, "```") {
		parts := strings.SplitN(t, "```", 3)
		if len(parts) >= 2 {
			t = parts[1]
			t = strings.TrimPrefix(t, "json")
			t = strings.TrimSpace(t)
		}
	}
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("llm: no JSON object in response")
	}
	return t[start : end+1], nil
}

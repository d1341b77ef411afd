// Package openai calls an OpenAI-compatible chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"generation-orchestrator/internal/provider"
)

var _ provider.Provider = (*Client)(nil)

const (
	endpointChatCompletions = "v1/chat/completions"
	defaultTimeout          = 60 * time.Second
	errorSnippetLimit       = 400
	maxResponseBytes        = 4 << 20
)

// Settings configures the client.
type Settings struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	Timeout      time.Duration
}

// Client implements provider.Provider over HTTP.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New builds a client from settings.
func New(s Settings) *Client {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	system := strings.TrimSpace(s.SystemPrompt)
	if system == "" {
		system = provider.SystemPrompt
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(s.BaseURL, "/"),
		apiKey:      s.APIKey,
		model:       s.Model,
		system:      system,
		temperature: optionalFloat32(s.Temperature),
		maxTokens:   optionalInt(s.MaxTokens),
	}
}

// Generate sends one chat completion and returns the first choice.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	prompt, err := provider.BuildPrompt(req)
	if err != nil {
		return provider.Response{}, err
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.system},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return provider.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return provider.Response{}, fmt.Errorf("join url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return provider.Response{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return provider.Response{}, ctx.Err()
		}
		return provider.Response{}, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return provider.Response{}, ctx.Err()
		}
		return provider.Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return provider.Response{}, &provider.StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBytes), errorSnippetLimit),
		}
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return provider.Response{}, fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 {
		return provider.Response{}, provider.ErrEmptyContent
	}
	out := provider.Response{Content: comp.Choices[0].Message.Content}
	if comp.Usage != nil {
		out.TokensUsed = comp.Usage.TotalTokens
	}
	return out, nil
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionUsage   `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

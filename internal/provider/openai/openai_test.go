package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/provider"
)

func TestGenerateSuccess(t *testing.T) {
	var seenAuth string
	var seenBody chatCompletionRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			ID: "cmpl-1",
			Choices: []chatCompletionChoice{{
				Message:      chatMessage{Role: "assistant", Content: "## Summary\nSeasoned engineer."},
				FinishReason: "stop",
			}},
			Usage: &chatCompletionUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		})
	}))
	defer ts.Close()

	c := New(Settings{BaseURL: ts.URL + "/", APIKey: "k123", Model: "gpt-test", MaxTokens: 256})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Generate(ctx, provider.Request{
		Identifier: "professional_summary",
		Operation:  provider.OperationSection,
		Title:      "Professional Summary",
		Subject:    map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nSeasoned engineer.", resp.Content)
	assert.Equal(t, 52, resp.TokensUsed)
	assert.Equal(t, "Bearer k123", seenAuth)

	assert.Equal(t, "gpt-test", seenBody.Model)
	require.Len(t, seenBody.Messages, 2)
	assert.Equal(t, provider.SystemPrompt, seenBody.Messages[0].Content)
	assert.Contains(t, seenBody.Messages[1].Content, "Professional Summary")
	require.NotNil(t, seenBody.MaxTokens)
	assert.Equal(t, 256, *seenBody.MaxTokens)
	assert.Nil(t, seenBody.Temperature)
}

func TestGenerateNon2xxIsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 1000), http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := New(Settings{BaseURL: ts.URL}).Generate(context.Background(), provider.Request{Identifier: "a"})
	var se *provider.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.LessOrEqual(t, len(se.Body), errorSnippetLimit+3)
}

func TestGenerateEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer ts.Close()

	_, err := New(Settings{BaseURL: ts.URL}).Generate(context.Background(), provider.Request{Identifier: "a"})
	assert.ErrorIs(t, err, provider.ErrEmptyContent)
}

func TestGenerateHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(Settings{BaseURL: ts.URL}).Generate(ctx, provider.Request{Identifier: "a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateTruncatedBodyIsReadError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 500\r\n\r\n{\"choices\":")
		_ = buf.Flush()
	}))
	defer ts.Close()

	c := New(Settings{BaseURL: ts.URL, Model: "gpt-test"})
	_, err := c.Generate(context.Background(), provider.Request{Identifier: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read response")
	var se *provider.StatusError
	assert.False(t, errors.As(err, &se))
}

func TestGenerateOversizedBodyIsCapped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"`))
		_, _ = w.Write([]byte(strings.Repeat("a", maxResponseBytes)))
		_, _ = w.Write([]byte(`"}}]}`))
	}))
	defer ts.Close()

	c := New(Settings{BaseURL: ts.URL, Model: "gpt-test"})
	_, err := c.Generate(context.Background(), provider.Request{Identifier: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

// Package gemini generates text with the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"generation-orchestrator/internal/provider"
)

var _ provider.Provider = (*Generator)(nil)

// ErrContentBlocked is returned when the reply was stopped by safety filters.
var ErrContentBlocked = errors.New("content blocked by safety filters")

// contentGenerator is the slice of the SDK used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Generator implements provider.Provider with Gemini.
type Generator struct {
	logger *slog.Logger
	models contentGenerator
	model  string
	system string
}

// New connects a Gemini client.
func New(ctx context.Context, logger *slog.Logger, apiKey, model string) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGenerator(logger, client.Models, model), nil
}

func newGenerator(logger *slog.Logger, models contentGenerator, model string) *Generator {
	return &Generator{
		logger: logger.With("component", "gemini", "model", model),
		models: models,
		model:  model,
		system: provider.SystemPrompt,
	}
}

// Generate makes a single call. Retrying is left to the caller.
func (g *Generator) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	prompt, err := provider.BuildPrompt(req)
	if err != nil {
		return provider.Response{}, err
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: g.system}}},
	}

	g.logger.DebugContext(ctx, "calling gemini", "identifier", req.Identifier, "prompt_length", len(prompt))
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return provider.Response{}, fmt.Errorf("gemini generate: %w", err)
	}
	return parseResponse(resp)
}

func parseResponse(resp *genai.GenerateContentResponse) (provider.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return provider.Response{}, provider.ErrEmptyContent
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return provider.Response{}, ErrContentBlocked
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	out := provider.Response{Content: text.String()}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

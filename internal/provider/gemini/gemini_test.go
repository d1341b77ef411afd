package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"generation-orchestrator/internal/provider"
)

type fakeModels struct {
	resp      *genai.GenerateContentResponse
	err       error
	gotModel  string
	gotPrompt string
	gotSystem string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotPrompt = contents[0].Parts[0].Text
	}
	if cfg != nil && cfg.SystemInstruction != nil {
		f.gotSystem = cfg.SystemInstruction.Parts[0].Text
	}
	return f.resp, f.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, nil, "key", "model")
	assert.Error(t, err)
	_, err = New(ctx, testLogger(), "", "model")
	assert.Error(t, err)
	_, err = New(ctx, testLogger(), "key", "")
	assert.Error(t, err)
}

func TestGenerateJoinsPartsAndReadsUsage(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "## Education\n"}, {Text: "BSc, 2015"}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 77},
	}}
	g := newGenerator(testLogger(), fake, "gemini-test")

	resp, err := g.Generate(context.Background(), provider.Request{
		Identifier: "education",
		Operation:  provider.OperationSection,
		Title:      "Education",
		Subject:    map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Education\nBSc, 2015", resp.Content)
	assert.Equal(t, 77, resp.TokensUsed)
	assert.Equal(t, "gemini-test", fake.gotModel)
	assert.Contains(t, fake.gotPrompt, `"Education" section`)
	assert.Equal(t, provider.SystemPrompt, fake.gotSystem)
}

func TestGenerateFailures(t *testing.T) {
	boom := errors.New("unavailable")
	g := newGenerator(testLogger(), &fakeModels{err: boom}, "m")
	_, err := g.Generate(context.Background(), provider.Request{Identifier: "x"})
	assert.ErrorIs(t, err, boom)

	g = newGenerator(testLogger(), &fakeModels{resp: &genai.GenerateContentResponse{}}, "m")
	_, err = g.Generate(context.Background(), provider.Request{Identifier: "x"})
	assert.ErrorIs(t, err, provider.ErrEmptyContent)

	g = newGenerator(testLogger(), &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{{Text: "partial"}}},
			FinishReason: genai.FinishReasonSafety,
		}},
	}}, "m")
	_, err = g.Generate(context.Background(), provider.Request{Identifier: "x"})
	assert.ErrorIs(t, err, ErrContentBlocked)
}

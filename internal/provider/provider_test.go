package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	_, err := Check(Response{Content: "  \n\t"}, nil)
	assert.ErrorIs(t, err, ErrEmptyContent)

	boom := errors.New("boom")
	_, err = Check(Response{Content: "ignored"}, boom)
	assert.ErrorIs(t, err, boom)

	resp, err := Check(Response{Content: "ok", TokensUsed: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TokensUsed)
}

func TestStatusErrorMessage(t *testing.T) {
	var err error = &StatusError{StatusCode: 503, Body: "overloaded"}
	assert.EqualError(t, err, "provider status 503: overloaded")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.StatusCode)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt(Request{
		Identifier: "experience_1",
		Operation:  OperationSection,
		Title:      "Experience: Acme",
		Subject:    map[string]any{"name": "Ada"},
		Entry:      map[string]any{"company": "Acme"},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, `Write the "Experience: Acme" section`)
	assert.Contains(t, prompt, `"name": "Ada"`)
	assert.Contains(t, prompt, "Focus on this experience entry")
	assert.NotContains(t, prompt, "Target role")

	prompt, err = BuildPrompt(Request{Identifier: "cover-letter", Operation: OperationGenerate, Target: map[string]any{"role": "CTO"}})
	require.NoError(t, err)
	assert.Contains(t, prompt, `Complete the task "cover-letter"`)
	assert.Contains(t, prompt, "Target role")
}

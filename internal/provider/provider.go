// Package provider defines the contract with the external text-generation
// service. Every implementation is treated as unreliable: callers retry on any
// error returned by Check.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Operation kinds sent to the provider.
const (
	OperationGenerate = "generate"
	OperationSection  = "generate-section"
)

// Request carries one generation call.
type Request struct {
	// Identifier names the task or document section being generated.
	Identifier string         `json:"identifier"`
	Operation  string         `json:"operation"`
	Title      string         `json:"title,omitempty"`
	Subject    map[string]any `json:"subject"`
	Target     map[string]any `json:"target,omitempty"`
	Entry      map[string]any `json:"entry,omitempty"`
}

// Response is a successful provider reply.
type Response struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
}

// Provider generates text for a request.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// ErrEmptyContent is returned for replies with no usable text.
var ErrEmptyContent = errors.New("provider returned empty content")

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

// Check folds an empty reply into an error so all failures are handled alike.
func Check(resp Response, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Response{}, ErrEmptyContent
	}
	return resp, nil
}

// Package llm defines the provider-agnostic text completion interface and
// the task client the runner and planner call.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jkaninda/xpilot/internal/domain"
)

// Provider is the abstraction over any LLM backend (Gemini, OpenAI, etc.).
type Provider interface {
	// Complete sends one prompt and returns the model's answer.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Request is a single-turn completion.
type Request struct {
	Model       string // Empty = provider default.
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	JSON        bool // Ask for a JSON object response.
}

// Response is what the LLM returns.
type Response struct {
	Text       string
	Model      string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the provider's raw reason.
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StatusError is a non-200 provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Unwrap exposes ErrUnauthorized for rejected keys.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return domain.ErrUnauthorized
	}
	return nil
}

// PostJSON marshals body, POSTs it to url and decodes the reply into out.
// Non-200 responses become *StatusError.
func PostJSON(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: provider, Status: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// IsContextError reports whether err came from the caller's context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

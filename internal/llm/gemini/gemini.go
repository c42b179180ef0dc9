// Package gemini implements llm.Provider for the Google Gemini API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/xpilot/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 1024
)

// Client implements llm.Provider using the Gemini generateContent API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Gemini client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gemini provider. model is the default model name.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "gemini" }

// Complete sends the prompt to generateContent.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var apiResp apiResponse
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	headers := map[string]string{"x-goog-api-key": c.apiKey}
	if err := llm.PostJSON(ctx, c.httpClient, "gemini", url, headers, buildRequest(req), &apiResp); err != nil {
		return nil, err
	}

	resp := toResponse(&apiResp)
	resp.Model = model

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "gemini"),
		slog.String("model", model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

func buildRequest(req *llm.Request) apiRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	gen := &apiGenerationConfig{MaxOutputTokens: maxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		gen.Temperature = &t
	}
	if req.JSON {
		gen.ResponseMimeType = "application/json"
	}

	apiReq := apiRequest{
		Contents:         []apiContent{{Role: "user", Parts: []apiPart{{Text: req.Prompt}}}},
		GenerationConfig: gen,
	}
	if req.System != "" {
		apiReq.SystemInstruction = &apiContent{Parts: []apiPart{{Text: req.System}}}
	}
	return apiReq
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{Usage: extractUsage(apiResp)}
	if len(apiResp.Candidates) == 0 {
		return resp
	}

	candidate := apiResp.Candidates[0]
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}
	resp.Text = sb.String()
	resp.StopReason = normalizeFinishReason(candidate.FinishReason)
	return resp
}

func extractUsage(apiResp *apiResponse) llm.Usage {
	if apiResp.UsageMetadata == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return reason
	}
}

// --- Gemini API wire types (unexported) ---

type apiRequest struct {
	Contents          []apiContent         `json:"contents"`
	SystemInstruction *apiContent          `json:"system_instruction,omitempty"`
	GenerationConfig  *apiGenerationConfig `json:"generation_config,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text string `json:"text,omitempty"`
}

type apiGenerationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type apiResponse struct {
	Candidates    []apiCandidate `json:"candidates"`
	UsageMetadata *apiUsage      `json:"usageMetadata,omitempty"`
}

type apiCandidate struct {
	Content      apiContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type apiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

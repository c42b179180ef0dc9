// Package openai implements llm.Provider for the OpenAI Chat Completions API.
// It also serves Ollama, which exposes an OpenAI-compatible API.
package openai

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/xpilot/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 1024
)

// Client implements llm.Provider using the Chat Completions API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Complete sends the prompt as a system + user exchange.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiReq := c.buildRequest(req)

	var headers map[string]string
	if c.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.apiKey}
	}
	var apiResp apiResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.name, c.baseURL+completionsPath, headers, apiReq, &apiResp); err != nil {
		return nil, err
	}

	resp := toResponse(&apiResp)
	if resp.Model == "" {
		resp.Model = apiReq.Model
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) apiRequest {
	var messages []apiMessage
	if req.System != "" {
		messages = append(messages, apiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, apiMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	apiReq := apiRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.JSON {
		apiReq.ResponseFormat = &apiResponseFormat{Type: "json_object"}
	}
	return apiReq
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{
		Model: apiResp.Model,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	if len(apiResp.Choices) == 0 {
		return resp
	}
	choice := apiResp.Choices[0]
	resp.Text = choice.Message.Content
	resp.StopReason = normalizeFinishReason(choice.FinishReason)
	return resp
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- OpenAI API wire types (unexported) ---

type apiRequest struct {
	Model          string             `json:"model"`
	Messages       []apiMessage       `json:"messages"`
	MaxTokens      int                `json:"max_tokens"`
	Temperature    *float64           `json:"temperature,omitempty"`
	ResponseFormat *apiResponseFormat `json:"response_format,omitempty"`
}

type apiResponseFormat struct {
	Type string `json:"type"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

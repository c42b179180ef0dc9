package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/xpilot/internal/clients"
)

// System prompts per task type. Tasks of other types run without one.
var systemPrompts = map[string]string{
	clients.TaskAnalyze: "You analyze engagement metrics of an X account. " +
		"Answer with a JSON object {\"findings\":[{\"hypothesis\":string,\"effect_size\":number}]}.",
	clients.TaskPlan: "You plan tomorrow's posts for an X account. " +
		"Answer with a JSON object {\"topics\":[string]}, one topic per planned post.",
	clients.TaskDraft: "You write a single X post. Plain text, no hashtags, no links.",
	clients.TaskReply: "You write a short, friendly reply to the given X post. Plain text, no links.",
	clients.TaskSummarize: "You summarize a web page for research. " +
		"Answer with a JSON object {\"summary\":string,\"key_points\":[string],\"confidence\":number,\"safe_to_use\":boolean}; " +
		"at most 5 key points. Set safe_to_use to false for spam, hate, adult content or unverifiable medical or financial claims.",
}

// Client runs clients.Task values against a Provider.
type Client struct {
	provider Provider
	models   map[string]string // Selector -> provider model name.
	logger   *slog.Logger
}

// NewClient creates a task client. models maps task model selectors
// (e.g. "fast", "smart") to provider model names; unknown selectors are
// passed through as model names.
func NewClient(provider Provider, models map[string]string, logger *slog.Logger) *Client {
	return &Client{provider: provider, models: models, logger: logger}
}

// Run executes t. Output text is trimmed; when MaxChars is set the prompt
// asks for it and the answer is cut to it.
func (c *Client) Run(ctx context.Context, t clients.Task) (*clients.Output, error) {
	model := t.Model
	if m, ok := c.models[model]; ok {
		model = m
	}

	prompt := t.Input
	if t.Constraints.MaxChars > 0 {
		prompt += fmt.Sprintf("\n\nKeep the answer under %d characters.", t.Constraints.MaxChars)
	}

	resp, err := c.provider.Complete(ctx, &Request{
		Model:       model,
		System:      systemPrompts[t.Type],
		Prompt:      prompt,
		MaxTokens:   t.Constraints.MaxTokens,
		Temperature: t.Constraints.Temperature,
		JSON:        t.Constraints.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("llm %s task: %w", t.Type, err)
	}

	text := strings.TrimSpace(resp.Text)
	if t.Constraints.JSON {
		text = stripFence(text)
	}
	if limit := t.Constraints.MaxChars; limit > 0 {
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit])
		}
	}

	c.logger.DebugContext(ctx, "llm task completed",
		slog.String("task", t.Type),
		slog.String("provider", c.provider.Name()),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return &clients.Output{
		Text:         text,
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.InputTokens),
		OutputTokens: int64(resp.Usage.OutputTokens),
	}, nil
}

// stripFence removes a ```json ... ``` wrapper some models add.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ clients.LLMClient = (*Client)(nil)

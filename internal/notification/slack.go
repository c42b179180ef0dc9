package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender sends notifications via Slack Web API.
type SlackSender struct {
	botToken   string
	channel    string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender posting to channel.
func NewSlackSender(botToken, channel string, logger *slog.Logger) *SlackSender {
	return &SlackSender{
		botToken: botToken,
		channel:  channel,
		url:      slackPostMessageURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// WithURL points the sender at another chat.postMessage endpoint.
func (s *SlackSender) WithURL(u string) *SlackSender {
	s.url = u
	return s
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}

	payload := map[string]any{
		"channel": s.channel,
		"text":    text,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack returns 200 even on errors, check the "ok" field.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}

	return nil
}

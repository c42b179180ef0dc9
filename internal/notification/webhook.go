package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookSender sends notifications via HTTP POST to a configured URL.
// Requests to private IP ranges are refused unless AllowPrivate is set.
type WebhookSender struct {
	url          string
	headers      map[string]string
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewWebhookSender creates a webhook notification sender.
func NewWebhookSender(webhookURL string, headers map[string]string, logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		url:     webhookURL,
		headers: headers,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects are not followed.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// AllowPrivate permits loopback and private targets (local receivers, tests).
func (s *WebhookSender) AllowPrivate() *WebhookSender {
	s.allowPrivate = true
	return s
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if !s.allowPrivate {
		if err := validateWebhookURL(s.url); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}

	payload := map[string]any{
		"subject":  msg.Subject,
		"body":     msg.Body + metadataLines(msg.Metadata),
		"metadata": msg.Metadata,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "xpilot-webhook/1.0")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}

// Package websearch provides web search through the Brave Search API and
// readable page extraction for the research step.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

const (
	defaultBraveURL = "https://api.search.brave.com/res/v1/web/search"
	defaultMaxChars = 20000
	maxPageBytes    = 4 << 20
	userAgent       = "xpilot/1.0"
)

var reSpaces = regexp.MustCompile(`\s+`)

// HTTPError is a non-2xx response from a search or page server.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// Temporary reports whether the server may answer on a later attempt.
func (e *HTTPError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Brave is a clients.WebSearcher backed by the Brave Search API.
type Brave struct {
	endpoint   string
	apiKey     string
	count      int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBrave creates a Brave search client. endpoint may be empty.
func NewBrave(apiKey, endpoint string, count int, logger *slog.Logger) *Brave {
	if endpoint == "" {
		endpoint = defaultBraveURL
	}
	if count <= 0 {
		count = 10
	}
	return &Brave{
		endpoint:   endpoint,
		apiKey:     apiKey,
		count:      count,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}
}

// SearchWeb returns up to count results for q.
func (b *Brave) SearchWeb(ctx context.Context, q string) ([]clients.SearchResult, error) {
	u := b.endpoint + "?" + url.Values{
		"q":     {q},
		"count": {strconv.Itoa(b.count)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: brave search: %w", domain.ErrExternalCall, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: brave search status %d", domain.ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %w", domain.ErrExternalCall, &HTTPError{URL: b.endpoint, Status: resp.StatusCode})
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing brave response: %w", err)
	}

	out := make([]clients.SearchResult, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		if len(out) >= b.count {
			break
		}
		out = append(out, clients.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	b.logger.DebugContext(ctx, "web search completed", slog.String("query", q), slog.Int("results", len(out)))
	return out, nil
}

// Reader fetches pages and reduces them to readable text. It implements
// clients.Fetcher.
type Reader struct {
	httpClient *http.Client
	maxChars   int
}

// NewReader creates a page reader. maxChars <= 0 selects the default cut.
func NewReader(maxChars int) *Reader {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Reader{httpClient: &http.Client{Timeout: 20 * time.Second}, maxChars: maxChars}
}

// FetchReadable downloads rawURL and extracts the article body.
func (r *Reader) FetchReadable(ctx context.Context, rawURL string) (*clients.Document, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid page url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", domain.ErrExternalCall, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %w", domain.ErrExternalCall, &HTTPError{URL: rawURL, Status: resp.StatusCode})
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), pageURL)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", rawURL, err)
	}
	text := strings.TrimSpace(reSpaces.ReplaceAllString(article.TextContent, " "))
	if runes := []rune(text); len(runes) > r.maxChars {
		text = string(runes[:r.maxChars])
	}
	return &clients.Document{
		URL:    rawURL,
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   text,
	}, nil
}

var (
	_ clients.WebSearcher = (*Brave)(nil)
	_ clients.Fetcher     = (*Reader)(nil)
)

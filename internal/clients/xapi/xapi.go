// Package xapi implements clients.XClient against the X API v2.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ratelimit"
)

const (
	defaultBaseURL = "https://api.x.com"
	maxIDsPerCall  = 100
)

// Credentials are the per-account tokens.
type Credentials struct {
	UserID      string // Numeric X user ID of the account.
	AccessToken string // OAuth 2.0 user-context token, required for writes and private metrics.
	AppBearer   string // App-only bearer for usage reporting. Empty = client default.
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("x api error (status %d): %s", e.Status, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool { return e.Status >= 500 }

// Client is a clients.XClient over HTTP.
type Client struct {
	baseURL    string
	bearer     string
	accounts   map[string]Credentials
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter applies client-side rate limits per account and endpoint.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates an X API client. bearer is the app-only token used for
// public reads.
func NewClient(bearer string, accounts map[string]Credentials, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		bearer:     bearer,
		accounts:   accounts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) creds(accountID string) (Credentials, error) {
	cr, ok := c.accounts[accountID]
	if !ok || cr.UserID == "" {
		return Credentials{}, fmt.Errorf("%w: no x credentials for account %s", domain.ErrUnauthorized, accountID)
	}
	return cr, nil
}

// do sends a request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, account, endpoint, method, path string, query url.Values, token string, body, out any) error {
	if err := c.limiter.Allow(account, endpoint); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrExternalCall, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", domain.ErrExternalCall, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", domain.ErrUnauthorized, &APIError{Status: resp.StatusCode, Body: string(data)})
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ratelimit.Error{Key: ratelimit.Key(account, endpoint), RetryAfter: resetAfter(resp.Header)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %w", domain.ErrExternalCall, &APIError{Status: resp.StatusCode, Body: string(data)})
	}

	c.logger.DebugContext(ctx, "x api call completed",
		slog.String("account_id", account),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
	)

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// resetAfter reads x-rate-limit-reset (unix seconds).
func resetAfter(h http.Header) time.Duration {
	var reset int64
	if _, err := fmt.Sscanf(h.Get("x-rate-limit-reset"), "%d", &reset); err != nil || reset == 0 {
		return time.Minute
	}
	if d := time.Until(time.Unix(reset, 0)); d > 0 {
		return d
	}
	return time.Second
}

// ListPosts returns the account's own posts created in [from, to).
func (c *Client) ListPosts(ctx context.Context, accountID string, from, to time.Time) ([]clients.Tweet, error) {
	cr, err := c.creds(accountID)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"start_time":   {from.UTC().Format(time.RFC3339)},
		"end_time":     {to.UTC().Format(time.RFC3339)},
		"max_results":  {"100"},
		"tweet.fields": {"created_at,author_id"},
	}

	var out []clients.Tweet
	for {
		var resp tweetsResponse
		if err := c.do(ctx, accountID, "user_tweets", http.MethodGet, "/2/users/"+cr.UserID+"/tweets", q, c.readToken(cr), nil, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Data {
			out = append(out, t.toTweet())
		}
		if resp.Meta.NextToken == "" {
			return out, nil
		}
		q.Set("pagination_token", resp.Meta.NextToken)
	}
}

// GetPostMetrics fetches metrics in batches of 100 IDs. Confirmed metrics
// include private fields and need the account's user token.
func (c *Client) GetPostMetrics(ctx context.Context, accountID string, ids []string, kind domain.MetricsKind) ([]domain.PostMetrics, error) {
	cr, err := c.creds(accountID)
	if err != nil {
		return nil, err
	}
	fields := "public_metrics"
	token := c.readToken(cr)
	if kind == domain.MetricsConfirmed && cr.AccessToken != "" {
		fields = "public_metrics,non_public_metrics"
		token = cr.AccessToken
	}

	out := make([]domain.PostMetrics, 0, len(ids))
	for start := 0; start < len(ids); start += maxIDsPerCall {
		end := min(start+maxIDsPerCall, len(ids))
		q := url.Values{
			"ids":          {strings.Join(ids[start:end], ",")},
			"tweet.fields": {fields},
		}
		var resp tweetsResponse
		if err := c.do(ctx, accountID, "tweets_lookup", http.MethodGet, "/2/tweets", q, token, nil, &resp); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, t := range resp.Data {
			out = append(out, t.toMetrics(kind, now))
		}
	}
	return out, nil
}

// CreatePost publishes d. A thread is posted as a reply chain.
func (c *Client) CreatePost(ctx context.Context, accountID string, d clients.Draft) (*clients.Tweet, error) {
	req := createRequest{Text: d.Text}
	switch d.Kind {
	case domain.PostReply:
		req.Reply = &replyRef{InReplyTo: d.TargetID}
	case domain.PostQuote:
		req.QuoteID = d.TargetID
	}
	first, err := c.create(ctx, accountID, req)
	if err != nil {
		return nil, err
	}
	prev := first.ID
	for i, part := range d.Parts {
		t, err := c.create(ctx, accountID, createRequest{Text: part, Reply: &replyRef{InReplyTo: prev}})
		if err != nil {
			return first, fmt.Errorf("posting thread part %d: %w", i+2, err)
		}
		prev = t.ID
	}
	return first, nil
}

func (c *Client) create(ctx context.Context, accountID string, req createRequest) (*clients.Tweet, error) {
	cr, err := c.creds(accountID)
	if err != nil {
		return nil, err
	}
	if cr.AccessToken == "" {
		return nil, fmt.Errorf("%w: account %s has no user token", domain.ErrUnauthorized, accountID)
	}
	var resp struct {
		Data apiTweet `json:"data"`
	}
	if err := c.do(ctx, accountID, "create_tweet", http.MethodPost, "/2/tweets", nil, cr.AccessToken, req, &resp); err != nil {
		return nil, err
	}
	t := resp.Data.toTweet()
	t.AuthorID = cr.UserID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return &t, nil
}

// SchedulePost is not offered by the X API. Wrap the client in
// clients.LocalScheduling to queue posts locally.
func (c *Client) SchedulePost(context.Context, string, clients.Draft, time.Time) (*domain.Post, error) {
	return nil, clients.ErrUnsupported
}

func (c *Client) Like(ctx context.Context, accountID, postID string) error {
	cr, err := c.creds(accountID)
	if err != nil {
		return err
	}
	body := map[string]string{"tweet_id": postID}
	return c.do(ctx, accountID, "like", http.MethodPost, "/2/users/"+cr.UserID+"/likes", nil, cr.AccessToken, body, nil)
}

func (c *Client) Reply(ctx context.Context, accountID, postID, text string) (*clients.Tweet, error) {
	return c.create(ctx, accountID, createRequest{Text: text, Reply: &replyRef{InReplyTo: postID}})
}

func (c *Client) Quote(ctx context.Context, accountID, postID, text string) (*clients.Tweet, error) {
	return c.create(ctx, accountID, createRequest{Text: text, QuoteID: postID})
}

// SearchX queries recent posts with the app bearer.
func (c *Client) SearchX(ctx context.Context, query string) ([]clients.Tweet, error) {
	q := url.Values{
		"query":        {query + " -is:retweet lang:en"},
		"max_results":  {"10"},
		"tweet.fields": {"created_at,author_id"},
	}
	var resp tweetsResponse
	if err := c.do(ctx, "app", "search_recent", http.MethodGet, "/2/tweets/search/recent", q, c.bearer, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]clients.Tweet, 0, len(resp.Data))
	for _, t := range resp.Data {
		out = append(out, t.toTweet())
	}
	return out, nil
}

// DailyUsage reads GET /2/usage/tweets for day.
func (c *Client) DailyUsage(ctx context.Context, accountID string, day time.Time) (float64, error) {
	token := c.bearer
	if cr, ok := c.accounts[accountID]; ok && cr.AppBearer != "" {
		token = cr.AppBearer
	}
	start := domain.Day(day)
	q := url.Values{
		"start_time": {start.Format(time.RFC3339)},
		"end_time":   {start.Add(24 * time.Hour).Format(time.RFC3339)},
	}
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, accountID, "usage", http.MethodGet, "/2/usage/tweets", q, token, nil, &resp); err != nil {
		return 0, err
	}
	return usageUnits(resp.Data), nil
}

// usageUnits accepts the list, flat and totals shapes of the usage payload.
func usageUnits(raw json.RawMessage) float64 {
	var list []struct {
		Usage json.Number `json:"usage"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		var sum float64
		for _, item := range list {
			v, _ := item.Usage.Float64()
			sum += v
		}
		return sum
	}
	var obj struct {
		Usage  json.Number `json:"usage"`
		Totals struct {
			Usage json.Number `json:"usage"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0
	}
	if v, err := obj.Usage.Float64(); err == nil {
		return v
	}
	v, _ := obj.Totals.Usage.Float64()
	return v
}

func (c *Client) readToken(cr Credentials) string {
	if c.bearer != "" {
		return c.bearer
	}
	return cr.AccessToken
}

// --- X API wire types (unexported) ---

type tweetsResponse struct {
	Data []apiTweet `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

type apiTweet struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AuthorID      string    `json:"author_id"`
	CreatedAt     time.Time `json:"created_at"`
	PublicMetrics struct {
		Impressions int `json:"impression_count"`
		Likes       int `json:"like_count"`
		Replies     int `json:"reply_count"`
		Retweets    int `json:"retweet_count"`
		Quotes      int `json:"quote_count"`
	} `json:"public_metrics"`
	NonPublicMetrics *struct {
		Impressions   int `json:"impression_count"`
		URLLinkClicks int `json:"url_link_clicks"`
		ProfileClicks int `json:"user_profile_clicks"`
	} `json:"non_public_metrics,omitempty"`
}

func (t apiTweet) toTweet() clients.Tweet {
	return clients.Tweet{ID: t.ID, AuthorID: t.AuthorID, Text: t.Text, CreatedAt: t.CreatedAt}
}

func (t apiTweet) toMetrics(kind domain.MetricsKind, at time.Time) domain.PostMetrics {
	m := domain.PostMetrics{
		ExternalID:  t.ID,
		Kind:        kind,
		Impressions: t.PublicMetrics.Impressions,
		Likes:       t.PublicMetrics.Likes,
		Replies:     t.PublicMetrics.Replies,
		Reposts:     t.PublicMetrics.Retweets + t.PublicMetrics.Quotes,
		FetchedAt:   at,
	}
	if np := t.NonPublicMetrics; np != nil {
		m.Clicks = np.URLLinkClicks + np.ProfileClicks
		if np.Impressions > m.Impressions {
			m.Impressions = np.Impressions
		}
	}
	return m
}

type createRequest struct {
	Text    string    `json:"text"`
	Reply   *replyRef `json:"reply,omitempty"`
	QuoteID string    `json:"quote_tweet_id,omitempty"`
}

type replyRef struct {
	InReplyTo string `json:"in_reply_to_tweet_id"`
}

var (
	_ clients.XClient   = (*Client)(nil)
	_ clients.XSearcher = (*Client)(nil)
)

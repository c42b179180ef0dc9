// Package clients defines the capability interfaces the orchestration core
// consumes: the X platform, search and LLM collaborators. Implementations
// live in subpackages (fake, xapi, websearch) and in internal/llm.
package clients

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
)

// ErrUnsupported is returned by a client that cannot serve an operation.
var ErrUnsupported = errors.New("operation not supported by client")

// Tweet is a post as seen on the platform.
type Tweet struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft is content ready to publish.
type Draft struct {
	Kind       domain.PostKind `json:"kind"`
	Text       string          `json:"text"`
	Parts      []string        `json:"parts,omitempty"` // Follow-up posts of a thread, in order.
	TargetID   string          `json:"target_id,omitempty"`
	Experiment bool            `json:"experiment,omitempty"`
}

// XClient is the X platform capability set. Every call may fail with an
// error matching domain.ErrExternalCall; a rejected credential matches
// domain.ErrUnauthorized.
type XClient interface {
	ListPosts(ctx context.Context, accountID string, from, to time.Time) ([]Tweet, error)
	GetPostMetrics(ctx context.Context, accountID string, ids []string, kind domain.MetricsKind) ([]domain.PostMetrics, error)
	CreatePost(ctx context.Context, accountID string, d Draft) (*Tweet, error)
	SchedulePost(ctx context.Context, accountID string, d Draft, at time.Time) (*domain.Post, error)
	Like(ctx context.Context, accountID, postID string) error
	Reply(ctx context.Context, accountID, postID, text string) (*Tweet, error)
	Quote(ctx context.Context, accountID, postID, text string) (*Tweet, error)
	// DailyUsage returns the usage units the provider reports for day under
	// the account's app credentials.
	DailyUsage(ctx context.Context, accountID string, day time.Time) (float64, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Document is a page reduced to its readable text.
type Document struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Byline string `json:"byline,omitempty"`
	Text   string `json:"text"`
}

// WebSearcher runs web queries.
type WebSearcher interface {
	SearchWeb(ctx context.Context, q string) ([]SearchResult, error)
}

// Fetcher extracts the readable content of a page.
type Fetcher interface {
	FetchReadable(ctx context.Context, url string) (*Document, error)
}

// XSearcher runs queries against recent posts.
type XSearcher interface {
	SearchX(ctx context.Context, q string) ([]Tweet, error)
}

// SearchClient is the composite research capability.
type SearchClient interface {
	WebSearcher
	Fetcher
	XSearcher
}

// Search composes independent capabilities into a SearchClient. A nil
// part fails with ErrUnsupported.
type Search struct {
	Web   WebSearcher
	Fetch Fetcher
	X     XSearcher
}

func (s Search) SearchWeb(ctx context.Context, q string) ([]SearchResult, error) {
	if s.Web == nil {
		return nil, ErrUnsupported
	}
	return s.Web.SearchWeb(ctx, q)
}

func (s Search) FetchReadable(ctx context.Context, url string) (*Document, error) {
	if s.Fetch == nil {
		return nil, ErrUnsupported
	}
	return s.Fetch.FetchReadable(ctx, url)
}

func (s Search) SearchX(ctx context.Context, q string) ([]Tweet, error) {
	if s.X == nil {
		return nil, ErrUnsupported
	}
	return s.X.SearchX(ctx, q)
}

// Task types understood by LLM clients.
const (
	TaskAnalyze   = "analyze"
	TaskPlan      = "plan"
	TaskDraft     = "draft"
	TaskReply     = "reply"
	TaskSummarize = "summarize"
)

// Constraints bound one LLM task.
type Constraints struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	MaxChars    int     `json:"max_chars,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	JSON        bool    `json:"json,omitempty"` // Ask for a JSON object response.
}

// Task is one LLM invocation.
type Task struct {
	Type        string      `json:"type"`
	Model       string      `json:"model,omitempty"` // Model selector; empty = client default.
	Input       string      `json:"input"`
	Constraints Constraints `json:"constraints"`
}

// Output is the result of a Task.
type Output struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Tokens returns the total token count.
func (o *Output) Tokens() int64 {
	if o == nil {
		return 0
	}
	return o.InputTokens + o.OutputTokens
}

// LLMClient runs text tasks.
type LLMClient interface {
	Run(ctx context.Context, t Task) (*Output, error)
}

// PostQueue stores scheduled posts for later dispatch. Enqueue returns
// false when an identical post already exists for the account and day.
type PostQueue interface {
	Enqueue(ctx context.Context, p *domain.Post) (bool, error)
}

// LocalScheduling wraps an XClient whose platform has no native scheduling
// and routes SchedulePost into a local queue.
type LocalScheduling struct {
	XClient
	Queue PostQueue
	Now   func() time.Time
}

// SchedulePost queues d for publication at at.
func (l LocalScheduling) SchedulePost(ctx context.Context, accountID string, d Draft, at time.Time) (*domain.Post, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	p := NewPost(accountID, d, at, now())
	ok, err := l.Queue.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDuplicatePost
	}
	return p, nil
}

// ErrDuplicatePost is returned when a post with the same content hash was
// already scheduled for the account on that day.
var ErrDuplicatePost = errors.New("duplicate post content")

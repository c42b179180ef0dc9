// Package fake provides deterministic in-memory clients for tests and dry
// runs. Metrics are derived from the post ID so repeated runs agree.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

// Recorder counts calls per operation and injects failures.
type Recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	hook  func(ctx context.Context, op string) error
}

func (r *Recorder) record(ctx context.Context, op string) error {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[op]++
	err := r.fail[op]
	hook := r.hook
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, op)
	}
	return ctx.Err()
}

// Calls returns how many times op was invoked.
func (r *Recorder) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// FailOn makes every call to op return err. A nil err clears it.
func (r *Recorder) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = make(map[string]error)
	}
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// OnCall runs hook before every call; a non-nil return fails the call.
func (r *Recorder) OnCall(hook func(ctx context.Context, op string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// --- X ---

// X is a deterministic XClient.
type X struct {
	Recorder

	PostsPerDay int            // Posts ListPosts returns per day. Default 3.
	Usage       float64        // Value returned by DailyUsage.
	Negative    map[string]int // Negative reactions per external ID.

	mu        sync.Mutex
	seq       int
	Published []clients.Draft
	Scheduled []*domain.Post
	Liked     []string
}

// NewX creates a fake X client.
func NewX() *X {
	return &X{PostsPerDay: 3, Negative: make(map[string]int)}
}

// Seed is the character-sum seed of an external ID.
func Seed(id string) int {
	s := 0
	for _, c := range id {
		s += int(c)
	}
	return s
}

// MetricsFor returns the seeded metrics of id.
func MetricsFor(id string) domain.PostMetrics {
	s := Seed(id)
	m := domain.PostMetrics{
		ExternalID: id,
		Likes:      10 + s%50,
		Replies:    2 + s%8,
		Reposts:    3 + s%12,
		Clicks:     15 + s%60,
	}
	m.Impressions = m.Likes*20 + m.Replies*30 + m.Reposts*25 + m.Clicks*10
	return m
}

func (x *X) ListPosts(ctx context.Context, accountID string, from, to time.Time) ([]clients.Tweet, error) {
	if err := x.record(ctx, "list_posts"); err != nil {
		return nil, err
	}
	var out []clients.Tweet
	for day := domain.Day(from); day.Before(to); day = day.Add(24 * time.Hour) {
		base := day.Add(9 * time.Hour)
		for i := 0; i < x.PostsPerDay; i++ {
			out = append(out, clients.Tweet{
				ID:        fmt.Sprintf("%s-%s-%03d", accountID, day.Format("2006-01-02"), i+1),
				AuthorID:  accountID,
				Text:      fmt.Sprintf("Daily update %d", i+1),
				CreatedAt: base.Add(time.Duration(2*i) * time.Hour),
			})
		}
	}
	return out, nil
}

func (x *X) GetPostMetrics(ctx context.Context, _ string, ids []string, kind domain.MetricsKind) ([]domain.PostMetrics, error) {
	if err := x.record(ctx, "get_post_metrics"); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]domain.PostMetrics, 0, len(ids))
	for _, id := range ids {
		m := MetricsFor(id)
		m.Kind = kind
		m.Negative = x.Negative[id]
		m.FetchedAt = time.Now().UTC()
		out = append(out, m)
	}
	return out, nil
}

func (x *X) publish(ctx context.Context, op string, d clients.Draft) (*clients.Tweet, error) {
	if err := x.record(ctx, op); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	x.Published = append(x.Published, d)
	return &clients.Tweet{ID: fmt.Sprintf("fake-%d", x.seq), Text: d.Text, CreatedAt: time.Now().UTC()}, nil
}

func (x *X) CreatePost(ctx context.Context, _ string, d clients.Draft) (*clients.Tweet, error) {
	return x.publish(ctx, "create_post", d)
}

func (x *X) SchedulePost(ctx context.Context, accountID string, d clients.Draft, at time.Time) (*domain.Post, error) {
	if err := x.record(ctx, "schedule_post"); err != nil {
		return nil, err
	}
	p := clients.NewPost(accountID, d, at, time.Now())
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, q := range x.Scheduled {
		if q.AccountID == accountID && q.ContentHash == p.ContentHash && domain.Day(q.ScheduledAt).Equal(domain.Day(at)) {
			return nil, clients.ErrDuplicatePost
		}
	}
	x.Scheduled = append(x.Scheduled, p)
	return p, nil
}

func (x *X) Like(ctx context.Context, _ string, postID string) error {
	if err := x.record(ctx, "like"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.Liked = append(x.Liked, postID)
	return nil
}

func (x *X) Reply(ctx context.Context, _ string, postID, text string) (*clients.Tweet, error) {
	return x.publish(ctx, "reply", clients.Draft{Kind: domain.PostReply, Text: text, TargetID: postID})
}

func (x *X) Quote(ctx context.Context, _ string, postID, text string) (*clients.Tweet, error) {
	return x.publish(ctx, "quote", clients.Draft{Kind: domain.PostQuote, Text: text, TargetID: postID})
}

func (x *X) DailyUsage(ctx context.Context, _ string, _ time.Time) (float64, error) {
	if err := x.record(ctx, "daily_usage"); err != nil {
		return 0, err
	}
	return x.Usage, nil
}

// SearchX returns two posts per query, usable as engagement targets.
func (x *X) SearchX(ctx context.Context, q string) ([]clients.Tweet, error) {
	if err := x.record(ctx, "search_x"); err != nil {
		return nil, err
	}
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(q)), " ", "-")
	return []clients.Tweet{
		{ID: "target-" + slug + "-1", AuthorID: "peer-1", Text: "Thoughts on " + q},
		{ID: "target-" + slug + "-2", AuthorID: "peer-2", Text: "More on " + q},
	}, nil
}

// ScheduledPosts returns a copy of the posts scheduled so far.
func (x *X) ScheduledPosts() []*domain.Post {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*domain.Post(nil), x.Scheduled...)
}

// PublishedDrafts returns a copy of everything published so far.
func (x *X) PublishedDrafts() []clients.Draft {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]clients.Draft(nil), x.Published...)
}

// --- Search ---

// Web is a deterministic web searcher and fetcher.
type Web struct {
	Recorder
	Text string // Page body FetchReadable returns. Empty = a short fixed note.
}

func (w *Web) SearchWeb(ctx context.Context, q string) ([]clients.SearchResult, error) {
	if err := w.record(ctx, "search_web"); err != nil {
		return nil, err
	}
	return []clients.SearchResult{
		{Title: "Guide to " + q, URL: "https://example.com/guide", Snippet: "A practical guide to " + q + "."},
		{Title: q + " in practice", URL: "https://example.com/practice", Snippet: "Field notes on " + q + "."},
	}, nil
}

func (w *Web) FetchReadable(ctx context.Context, url string) (*clients.Document, error) {
	if err := w.record(ctx, "fetch"); err != nil {
		return nil, err
	}
	text := w.Text
	if text == "" {
		text = "Short posts with one concrete example outperform long threads. Ask a question to invite replies."
	}
	return &clients.Document{URL: url, Title: "Notes", Text: text}, nil
}

// --- LLM ---

// LLM answers tasks from a table keyed by task type, or echoes the input.
type LLM struct {
	Recorder
	Responses map[string]string

	mu     sync.Mutex
	inputs map[string][]string
}

func (l *LLM) Run(ctx context.Context, t clients.Task) (*clients.Output, error) {
	l.mu.Lock()
	if l.inputs == nil {
		l.inputs = make(map[string][]string)
	}
	l.inputs[t.Type] = append(l.inputs[t.Type], t.Input)
	l.mu.Unlock()
	if err := l.record(ctx, t.Type); err != nil {
		return nil, err
	}
	text, ok := l.Responses[t.Type]
	if !ok {
		text = t.Input
	}
	return &clients.Output{
		Text:         text,
		Model:        "fake",
		InputTokens:  int64(len(t.Input)/4 + 1),
		OutputTokens: int64(len(text)/4 + 1),
	}, nil
}

// Inputs returns the inputs of every task of type taskType, in call order.
func (l *LLM) Inputs(taskType string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.inputs[taskType]...)
}

var (
	_ clients.XClient     = (*X)(nil)
	_ clients.XSearcher   = (*X)(nil)
	_ clients.WebSearcher = (*Web)(nil)
	_ clients.Fetcher     = (*Web)(nil)
	_ clients.LLMClient   = (*LLM)(nil)
)

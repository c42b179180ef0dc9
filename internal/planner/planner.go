// Package planner turns research material into the next day's content
// plan: how many tweets, threads, replies and quotes, their text and their
// publication slots.
package planner

import (
	"fmt"
	"time"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

// MaxChars is the cut applied to every post text.
const MaxChars = 240

// Config holds the mix ratios and the publication window.
type Config struct {
	ThreadRatio float64
	ReplyRatio  float64
	QuoteRatio  float64
	// Posts are spread over [WindowStart, WindowStart+WindowLength) of the day.
	WindowStart  time.Duration
	WindowLength time.Duration
}

// DefaultConfig returns 20% threads, replies and quotes, published
// between 09:00 and 21:00 UTC.
func DefaultConfig() Config {
	return Config{
		ThreadRatio:  0.2,
		ReplyRatio:   0.2,
		QuoteRatio:   0.2,
		WindowStart:  9 * time.Hour,
		WindowLength: 12 * time.Hour,
	}
}

// Input is the material a plan is built from.
type Input struct {
	AgentID     string
	Day         time.Time // UTC day the posts are scheduled on.
	PostsPerDay int
	// EngagementCap bounds replies plus quotes. Quotes are trimmed first.
	EngagementCap int
	Facts         []string // Research snippets and summaries.
	Targets       []string // Post IDs eligible for replies and quotes.
}

// Item is one planned post with its slot.
type Item struct {
	Draft clients.Draft
	At    time.Time
}

// Plan is the result of Build.
type Plan struct {
	Items              []Item
	UsedSearchMaterial bool
	Tweets             int
	Threads            int
	Replies            int
	Quotes             int
}

// Build computes the plan for in. It is deterministic.
func Build(cfg Config, in Input) Plan {
	if in.PostsPerDay <= 0 {
		return Plan{}
	}

	var facts []string
	for _, f := range in.Facts {
		if c := domain.CleanText(f, MaxChars); c != "" {
			facts = append(facts, c)
		}
	}
	p := Plan{UsedSearchMaterial: len(facts) > 0 || len(in.Targets) > 0}
	if len(facts) == 0 {
		facts = FallbackFacts(in.AgentID, in.Day)
	}

	n := in.PostsPerDay
	threads := min(n, ratio(n, cfg.ThreadRatio))
	replies := min(n-threads, ratio(n, cfg.ReplyRatio))
	quotes := min(n-threads-replies, ratio(n, cfg.QuoteRatio))

	// Replies and quotes need targets; without them the share goes to threads.
	if len(in.Targets) == 0 {
		threads = min(n, threads+replies+quotes)
		replies, quotes = 0, 0
	}

	limit := max(in.EngagementCap, 0)
	for replies+quotes > limit && quotes > 0 {
		quotes--
	}
	for replies+quotes > limit && replies > 0 {
		replies--
	}
	tweets := max(0, n-threads-replies-quotes)

	p.Tweets, p.Threads, p.Replies, p.Quotes = tweets, threads, replies, quotes

	var drafts []clients.Draft
	for i := 0; i < tweets; i++ {
		drafts = append(drafts, clients.Draft{
			Kind: domain.PostTweet,
			Text: clean("Insight: " + facts[i%len(facts)]),
		})
	}
	for i := 0; i < threads; i++ {
		base := facts[(tweets+i)%len(facts)]
		drafts = append(drafts, clients.Draft{
			Kind:  domain.PostThread,
			Text:  clean(fmt.Sprintf("Thread %d/2: %s", i+1, base)),
			Parts: []string{clean(fmt.Sprintf("Thread %d/2 action: verify impact and report observations.", i+1))},
		})
	}
	// The first original post of the day carries the experiment marker and
	// gets snapshot metrics before its confirmed ones arrive.
	if len(drafts) > 0 {
		drafts[0].Experiment = true
	}
	for i := 0; i < replies; i++ {
		drafts = append(drafts, clients.Draft{
			Kind:     domain.PostReply,
			Text:     "Thanks for the perspective. One practical point is to test assumptions.",
			TargetID: in.Targets[i%len(in.Targets)],
		})
	}
	for i := 0; i < quotes; i++ {
		drafts = append(drafts, clients.Draft{
			Kind:     domain.PostQuote,
			Text:     "Useful context. We should compare with recent outcomes before scaling.",
			TargetID: in.Targets[(replies+i)%len(in.Targets)],
		})
	}

	slots := Slots(cfg, in.Day, len(drafts))
	for i, d := range drafts {
		p.Items = append(p.Items, Item{Draft: d, At: slots[i]})
	}
	return p
}

// Slots spreads n publication times evenly over the day's window.
func Slots(cfg Config, day time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	start := domain.Day(day).Add(cfg.WindowStart)
	step := cfg.WindowLength / time.Duration(n)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * step)
	}
	return out
}

// FallbackFacts is the material used when research produced nothing.
func FallbackFacts(agentID string, day time.Time) []string {
	return []string{
		fmt.Sprintf("Agent %s focus for %s", agentID, day.Format(time.DateOnly)),
		"One useful lesson from recent work and a practical next step",
		"A short observation plus a concrete action for tomorrow",
	}
}

func ratio(n int, r float64) int {
	if r <= 0 {
		return 0
	}
	return int(float64(n) * r)
}

func clean(s string) string {
	return domain.CleanText(s, MaxChars)
}

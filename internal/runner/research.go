package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

// maxSummarizeInput bounds the page text sent to the summarizing model.
const maxSummarizeInput = 12000

func ownPost(a *domain.Agent, t clients.Tweet) bool {
	return t.AuthorID == a.ID || (a.Handle != "" && t.AuthorID == a.Handle)
}

// collectCandidates turns a target account search into today's candidates
// and stores them. Posts already stored keep their used flag.
func (r *Runner) collectCandidates(ctx context.Context, rc *RunContext, handle string, tweets []clients.Tweet) []*domain.TargetCandidate {
	now := r.now()
	var out []*domain.TargetCandidate
	for _, t := range tweets {
		if len(out) == r.cfg.TargetsPerHandle {
			break
		}
		if t.ID == "" || ownPost(rc.Agent, t) {
			continue
		}
		posted := t.CreatedAt
		if posted.IsZero() {
			posted = now
		}
		c := &domain.TargetCandidate{
			AccountID: rc.Agent.ID,
			Day:       domain.Day(now),
			Handle:    handle,
			PostID:    t.ID,
			URL:       fmt.Sprintf("https://x.com/%s/status/%s", handle, t.ID),
			Text:      t.Text,
			PostedAt:  posted,
			CreatedAt: now,
		}
		out = append(out, c)
		rc.facts = append(rc.facts, t.Text)
		if r.targets == nil {
			continue
		}
		if _, err := r.targets.Add(ctx, c); err != nil {
			r.logger.WarnContext(ctx, "failed to store target candidate",
				slog.String("account_id", rc.Agent.ID),
				slog.String("handle", handle),
				slog.String("post_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return out
}

// useCandidates puts the day's unused target account posts ahead of the
// topic search targets. With a TargetStore the stored list wins, so posts
// found by an earlier cycle today stay eligible until used.
func (r *Runner) useCandidates(ctx context.Context, rc *RunContext, found []*domain.TargetCandidate) {
	cands := found
	stored := false
	if r.targets != nil {
		unused, err := r.targets.Unused(ctx, rc.Agent.ID, domain.Day(r.now()), 0)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to load target candidates",
				slog.String("account_id", rc.Agent.ID),
				slog.String("error", err.Error()),
			)
		} else {
			cands, stored = unused, true
		}
	}
	if len(cands) == 0 {
		return
	}

	rc.candidates = make(map[string]string, len(cands))
	ids := make([]string, 0, len(cands)+len(rc.targets))
	for _, c := range cands {
		if _, dup := rc.candidates[c.PostID]; dup {
			continue
		}
		id := ""
		if stored {
			id = c.ID
		}
		rc.candidates[c.PostID] = id
		ids = append(ids, c.PostID)
	}
	for _, id := range rc.targets {
		if _, ok := rc.candidates[id]; !ok {
			ids = append(ids, id)
		}
	}
	rc.targets = ids
	rc.decide(StepAnalysis, "target candidates", fmt.Sprintf("%d unused posts of target accounts", len(rc.candidates)))
}

// markUsed flags the candidate behind postID so later cycles skip it.
func (r *Runner) markUsed(ctx context.Context, rc *RunContext, postID string) {
	id := rc.candidates[postID]
	if id == "" || r.targets == nil {
		return
	}
	if err := r.targets.MarkUsed(context.WithoutCancel(ctx), id); err != nil {
		r.logger.WarnContext(ctx, "failed to mark target candidate used",
			slog.String("account_id", rc.Agent.ID),
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		return
	}
	delete(rc.candidates, postID)
}

// summarize condenses a long fetched page into research facts. A page the
// model marks unsafe yields nothing; an abandoned call or an unreadable
// summary falls back to the page text.
func (r *Runner) summarize(ctx context.Context, rc *RunContext, a domain.Action, rest domain.Cost, doc *clients.Document) ([]string, error) {
	input := fmt.Sprintf("title: %s\nurl: %s\n\n%s", doc.Title, doc.URL, domain.CleanText(doc.Text, maxSummarizeInput))
	out, err := execute(ctx, r, rc, guarded[*clients.Output]{
		step:   StepAnalysis,
		action: a,
		rest:   rest,
		call: func(ctx context.Context, a domain.Action) (*clients.Output, error) {
			return r.llm.Run(ctx, clients.Task{
				Type:        clients.TaskSummarize,
				Model:       r.cfg.Model,
				Input:       input,
				Constraints: clients.Constraints{MaxTokens: a.MaxTokens, JSON: true},
			})
		},
		actual: r.tokenCost,
	})
	if halts(err) {
		return nil, err
	}
	if err != nil {
		rc.decide(StepAnalysis, "use page text", "summary call abandoned for "+doc.URL)
		return []string{doc.Text}, nil
	}

	s, perr := parseSummary(out.Text)
	if perr != nil {
		rc.decide(StepAnalysis, "use page text", perr.Error())
		return []string{doc.Text}, nil
	}
	facts := s.facts()
	if len(facts) == 0 {
		rc.decide(StepAnalysis, "drop source", doc.URL+" marked unsafe to use")
	}
	return facts, nil
}

package clients

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/xpilot/internal/domain"
)

// NewPost builds the queued form of a draft.
func NewPost(accountID string, d Draft, at, now time.Time) *domain.Post {
	kind := d.Kind
	if kind == "" {
		kind = domain.PostTweet
	}
	return &domain.Post{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        kind,
		Text:        d.Text,
		Parts:       append([]string(nil), d.Parts...),
		ContentHash: domain.ContentHash(d.Text),
		TargetID:    d.TargetID,
		Experiment:  d.Experiment,
		ScheduledAt: at.UTC(),
		CreatedAt:   now.UTC(),
	}
}

// DraftOf converts a queued post back into a publishable draft.
func DraftOf(p *domain.Post) Draft {
	return Draft{
		Kind:       p.Kind,
		Text:       p.Text,
		Parts:      p.Parts,
		TargetID:   p.TargetID,
		Experiment: p.Experiment,
	}
}

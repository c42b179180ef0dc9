package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/xpilot/internal/domain"
)

// FallbackProvider wraps multiple providers and tries them in order.
// A cancelled context stops the chain; a rejected key moves on like any
// other failure.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// Complete tries each provider in order, returning the first successful response.
// The request model applies to the primary only; fallbacks use their defaults.
func (f *FallbackProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		r := req
		if i > 0 && req.Model != "" {
			cp := *req
			cp.Model = ""
			r = &cp
		}
		resp, err := p.Complete(ctx, r)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if IsContextError(err) || ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("%w: %d of %d providers failed: %w",
		domain.ErrExternalCall, len(errs), len(f.providers), errors.Join(errs...))
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}

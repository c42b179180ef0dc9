package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
	last  *Request
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

// --- Client ---

func TestClient_RunMapsTask(t *testing.T) {
	p := &stubProvider{name: "stub", resp: &Response{Text: "  hello world  ", Model: "m-1", Usage: Usage{InputTokens: 3, OutputTokens: 7}}}
	c := NewClient(p, map[string]string{"fast": "m-1"}, discardLogger())

	out, err := c.Run(context.Background(), clients.Task{
		Type:        clients.TaskDraft,
		Model:       "fast",
		Input:       "topic",
		Constraints: clients.Constraints{MaxTokens: 200, MaxChars: 5, Temperature: 0.7},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.last.Model != "m-1" {
		t.Errorf("model = %q, want m-1", p.last.Model)
	}
	if p.last.System == "" {
		t.Error("draft task should carry a system prompt")
	}
	if p.last.MaxTokens != 200 || p.last.Temperature != 0.7 {
		t.Errorf("request = %+v", p.last)
	}
	if out.Text != "hello" {
		t.Errorf("Text = %q, want cut to 5 runes", out.Text)
	}
	if out.Tokens() != 10 {
		t.Errorf("Tokens = %d, want 10", out.Tokens())
	}
}

func TestClient_UnknownSelectorPassesThrough(t *testing.T) {
	p := &stubProvider{name: "stub", resp: &Response{Text: "x"}}
	c := NewClient(p, nil, discardLogger())
	if _, err := c.Run(context.Background(), clients.Task{Type: "custom", Model: "gemini-2.5-pro"}); err != nil {
		t.Fatal(err)
	}
	if p.last.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", p.last.Model)
	}
	if p.last.System != "" {
		t.Errorf("unknown task should have no system prompt, got %q", p.last.System)
	}
}

func TestClient_JSONStripsFence(t *testing.T) {
	p := &stubProvider{name: "stub", resp: &Response{Text: "```json\n{\"topics\":[\"a\"]}\n```"}}
	c := NewClient(p, nil, discardLogger())
	out, err := c.Run(context.Background(), clients.Task{Type: clients.TaskPlan, Constraints: clients.Constraints{JSON: true}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != `{"topics":["a"]}` {
		t.Errorf("Text = %q", out.Text)
	}
}

// --- FallbackProvider ---

func TestFallback_SecondSucceeds(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("down")}
	b := &stubProvider{name: "b", resp: &Response{Text: "ok"}}
	f := NewFallbackProvider([]Provider{a, b}, discardLogger())

	resp, err := f.Complete(context.Background(), &Request{Model: "primary-only", Prompt: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q", resp.Text)
	}
	if b.last.Model != "" {
		t.Errorf("fallback model = %q, want provider default", b.last.Model)
	}
	if f.Name() != "a+fallback" {
		t.Errorf("Name = %q", f.Name())
	}
}

func TestFallback_AllFail(t *testing.T) {
	down := errors.New("down")
	f := NewFallbackProvider([]Provider{&stubProvider{name: "a", err: down}, &stubProvider{name: "b", err: down}}, discardLogger())
	_, err := f.Complete(context.Background(), &Request{})
	if !errors.Is(err, domain.ErrExternalCall) || !errors.Is(err, down) {
		t.Errorf("error = %v, want ErrExternalCall wrapping cause", err)
	}
}

func TestFallback_ContextStopsChain(t *testing.T) {
	a := &stubProvider{name: "a", err: context.DeadlineExceeded}
	b := &stubProvider{name: "b", resp: &Response{}}
	f := NewFallbackProvider([]Provider{a, b}, discardLogger())
	if _, err := f.Complete(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error")
	}
	if b.calls != 0 {
		t.Errorf("fallback called %d times after context error", b.calls)
	}
}

// --- StatusError ---

func TestStatusError(t *testing.T) {
	if !errors.Is(&StatusError{Status: 401}, domain.ErrUnauthorized) {
		t.Error("401 should match ErrUnauthorized")
	}
	if errors.Is(&StatusError{Status: 500}, domain.ErrUnauthorized) {
		t.Error("500 should not match ErrUnauthorized")
	}
	if !(&StatusError{Status: 429}).Temporary() {
		t.Error("429 should be temporary")
	}
}

// Package notification sends operator alerts when an agent pauses or
// faults. Alerts go to every configured sender; a failing sender never
// blocks the others.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/xpilot/internal/domain"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "webhook").
	Type() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Bold header on chat channels.
	Body     string            // Plain text body.
	Metadata map[string]string // account_id, status, stop_reason, correlation_id.
}

// Dispatcher fans a message out to the registered senders.
type Dispatcher struct {
	mu      sync.RWMutex
	senders []Sender
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with no senders.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Senders returns the number of registered senders.
func (d *Dispatcher) Senders() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.senders)
}

// Notify sends msg through every sender and joins their errors.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("type", s.Type()),
			slog.String("subject", msg.Subject),
		)
	}
	return errors.Join(errs...)
}

// StatusMessage describes an agent that entered a paused or error state.
func StatusMessage(a *domain.Agent, explanation string) *Message {
	subject := fmt.Sprintf("xpilot: %s is %s", label(a), a.Status)
	var b strings.Builder
	b.WriteString(explanation)
	if a.StopReason != "" {
		fmt.Fprintf(&b, "\nReason: %s", a.StopReason)
	}
	if a.StopUntil != nil {
		fmt.Fprintf(&b, "\nUntil: %s", a.StopUntil.UTC().Format("2006-01-02 15:04 MST"))
	}
	if a.LastError != "" {
		fmt.Fprintf(&b, "\nError: %s", a.LastError)
	}
	meta := map[string]string{
		"account_id": a.ID,
		"status":     string(a.Status),
	}
	if a.StopReason != "" {
		meta["stop_reason"] = a.StopReason
	}
	return &Message{Subject: subject, Body: b.String(), Metadata: meta}
}

func label(a *domain.Agent) string {
	if a.Handle != "" {
		return "@" + a.Handle
	}
	return a.ID
}

// metadataLines renders metadata in key order for plain text channels.
func metadataLines(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, meta[k])
	}
	return b.String()
}

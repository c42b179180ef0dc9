// Package audit mirrors persisted audit entries to an append-only JSONL
// file, one entry per line.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/storage"
)

// FileLog appends audit entries to a JSONL file. Safe for concurrent use.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenFile opens (or creates) the log at path in append-only mode with
// 0600 permissions.
func OpenFile(path string, logger *slog.Logger) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLog{file: f, logger: logger}, nil
}

// Write appends e as one JSON line. Marshal happens outside the lock.
func (l *FileLog) Write(ctx context.Context, e *domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}
	l.logger.DebugContext(ctx, "audit entry mirrored",
		slog.String("account_id", e.AccountID),
		slog.String("event_type", e.EventType),
		slog.String("correlation_id", e.CorrelationID),
	)
	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Mirrored is a storage.AuditStore that copies every appended entry to a
// FileLog after the primary store accepted it. Mirror failures are logged
// and never fail the append.
type Mirrored struct {
	storage.AuditStore
	mirror *FileLog
	logger *slog.Logger
}

// Mirror wraps primary so appends also reach log.
func Mirror(primary storage.AuditStore, log *FileLog, logger *slog.Logger) *Mirrored {
	return &Mirrored{AuditStore: primary, mirror: log, logger: logger}
}

func (m *Mirrored) Append(ctx context.Context, e *domain.AuditEntry) error {
	if err := m.AuditStore.Append(ctx, e); err != nil {
		return err
	}
	if err := m.mirror.Write(ctx, e); err != nil {
		m.logger.WarnContext(ctx, "audit mirror write failed",
			slog.String("account_id", e.AccountID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

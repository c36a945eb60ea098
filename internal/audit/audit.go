// Package audit appends one JSON-lines record per proxied request, as
// described in spec.md §4.4/§6.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/logging"
)

// Record is one audit entry, matching spec.md §6's "Audit record format"
// exactly: one JSON object per line, nulls preserved for in-flight fields.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	SessionID     *string   `json:"session_id"`
	Service       string    `json:"service"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	AuthInjected  bool      `json:"auth_injected"`
	ResponseCode  *int      `json:"response_code"`
	DurationMs    int64     `json:"duration_ms"`
}

// Logger appends audit records to a JSONL file. Writes are serialized with
// a mutex: append order is response order (spec.md §5 "Audit entries are
// emitted in response order, not request order"), never interleaved.
type Logger struct {
	path    string
	enabled bool
	log     *logging.Logger

	mu sync.Mutex
}

// New builds a Logger. When enabled is false, Record becomes a no-op so
// callers never need to branch on configuration.
func New(path string, enabled bool, log *logging.Logger) (*Logger, error) {
	if log == nil {
		log = logging.Default()
	}
	if !enabled {
		return &Logger{enabled: false, log: log}, nil
	}
	if path == "" {
		return nil, fmt.Errorf("audit log path is required when auditing is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &Logger{path: path, enabled: true, log: log}, nil
}

// Record appends one audit entry. Audit-log errors are logged at warn level
// and never propagated (spec.md §7 "Audit-log errors: logged at warn level,
// never propagated") — a full disk must not take down request handling.
func (l *Logger) Record(rec Record) {
	if l == nil || !l.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.log.WithError(err).Warn("failed to marshal audit record", zap.String("correlation_id", rec.CorrelationID))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.WithError(err).Warn("failed to open audit log", zap.String("path", l.path))
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.log.WithError(err).Warn("failed to write audit record", zap.String("correlation_id", rec.CorrelationID))
	}
}

// Enabled reports whether this Logger actually writes records.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

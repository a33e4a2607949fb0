package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one line of the audit trail. Keys and input bytes are
// never recorded.
type AuditEvent struct {
	TsMS     int64          `json:"ts_ms"`
	Actor    string         `json:"actor"`
	AgentID  string         `json:"agent_id,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	Kind     string         `json:"kind"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// AuditLogger appends events to a JSON lines file. Its methods are no-ops
// on a nil *AuditLogger.
type AuditLogger struct {
	now func() time.Time

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewAuditLogger opens path for appending, creating parent directories. An
// empty path returns a nil logger.
func NewAuditLogger(path string, now func() time.Time) (*AuditLogger, error) {
	if path == "" {
		return nil, nil
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &AuditLogger{now: now, f: f, enc: json.NewEncoder(f)}, nil
}

func (a *AuditLogger) Log(ev AuditEvent) {
	if a == nil {
		return
	}
	if ev.TsMS == 0 {
		ev.TsMS = a.now().UnixMilli()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc != nil {
		_ = a.enc.Encode(ev)
	}
}

func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enc = nil
	return a.f.Close()
}

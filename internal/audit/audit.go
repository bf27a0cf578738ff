// Package audit appends human decisions (approve, reject, alarm changes,
// manual nudges) to logs/audit.jsonl. The log is append-only.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/smolclaw/internal/shared"
)

// Outcomes recorded for a decision.
const (
	OutcomeOK      = "ok"
	OutcomeRefused = "refused"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

// Log writes audit entries. A nil *Log discards everything.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	now     func() time.Time
	refused atomic.Int64
}

// Open creates or appends to <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// RefusedCount returns the number of refused decisions since startup.
func (l *Log) RefusedCount() int64 {
	if l == nil {
		return 0
	}
	return l.refused.Load()
}

// Record appends one decision. Actor and trace id come from ctx. Write
// failures are dropped; the audit trail never blocks the decision itself.
func (l *Log) Record(ctx context.Context, action, target, outcome, reason string) {
	if l == nil {
		return
	}
	if outcome == OutcomeRefused {
		l.refused.Add(1)
	}

	ev := Entry{
		TraceID: shared.TraceID(ctx),
		Actor:   shared.Redact(shared.Actor(ctx)),
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Reason:  shared.Redact(reason),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

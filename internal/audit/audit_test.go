package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/smolclaw/internal/shared"
)

func readEntries(t *testing.T, home string) []Entry {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := shared.WithActor(shared.WithTraceID(context.Background(), "trace-1"), "telegram:42")
	l.Record(ctx, "approval.approve", "a1b2c3d4", OutcomeOK, "")
	l.Record(ctx, "approval.reject", "a1b2c3d4", OutcomeRefused, "status is posted")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Action != "approval.approve" || first.Target != "a1b2c3d4" || first.Outcome != OutcomeOK {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if first.Actor != "telegram:42" || first.TraceID != "trace-1" {
		t.Fatalf("actor/trace not taken from context: %+v", first)
	}
	if first.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
	if l.RefusedCount() != 1 {
		t.Fatalf("refused count = %d, want 1", l.RefusedCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	ctx := context.Background()
	l.Record(ctx, "alarm.add", "deadbeef", OutcomeOK, "")
	l.Record(ctx, "alarm.remove", "deadbeef", OutcomeOK, "")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	l2, err := Open(home)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })
	l2.Record(ctx, "hormone.nudge", "marketer", OutcomeOK, "")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
	entries := readEntries(t, home)
	if len(entries) != 3 || entries[2].Action != "hormone.nudge" {
		t.Fatalf("expected three entries in order, got %+v", entries)
	}
	if entries[0].Actor != "unknown" {
		t.Fatalf("actor default = %q, want unknown", entries[0].Actor)
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	l.Record(context.Background(), "approval.approve", "x", OutcomeOK, "failed with api_key=sk-supersecretvalue")
	entries := readEntries(t, home)
	if strings.Contains(entries[0].Reason, "sk-supersecretvalue") {
		t.Fatalf("secret leaked into audit reason: %q", entries[0].Reason)
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Record(context.Background(), "x", "y", OutcomeRefused, "")
	if l.RefusedCount() != 0 {
		t.Fatal("nil log must report zero")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close nil: %v", err)
	}
}

// Package notify delivers approval prompts and fired alarms to humans.
// Every sink is best-effort: the approval queue logs a failed delivery
// and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/smolclaw/internal/approval"
)

// MaxPreviewRunes bounds the post text included in a notification.
const MaxPreviewRunes = 1800

// Fanout delivers to every sink and joins their errors.
type Fanout []approval.Notifier

func (f Fanout) Notify(ctx context.Context, rec approval.Record) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records pending approvals in the process log. It is always part of
// the fan-out so a prompt is never silently dropped.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, rec approval.Record) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("approval pending",
		"approval_id", rec.ID,
		"platform", rec.Platform,
		"action", string(rec.Action),
		"agent_id", rec.AgentID,
		"preview", Preview(rec.Text, 80),
	)
	return nil
}

// Title is the heading used by every channel.
func Title(rec approval.Record) string {
	return fmt.Sprintf("Approval Needed · %s/%s", rec.Platform, rec.Action)
}

// FormatApproval renders the plain-text body of a pending notification.
func FormatApproval(rec approval.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", rec.ID)
	fmt.Fprintf(&b, "Status: %s\n", rec.Status)
	if rec.AgentID != "" {
		fmt.Fprintf(&b, "Agent: %s\n", rec.AgentID)
	}
	if parent := rec.ParentID(); rec.Action == approval.ActionReply && parent != "" {
		fmt.Fprintf(&b, "Reply to: %s\n", parent)
	}
	fmt.Fprintf(&b, "Text:\n%s\n", Preview(rec.Text, MaxPreviewRunes))
	fmt.Fprintf(&b, "Approve: /approve %s · Reject: /reject %s", rec.ID, rec.ID)
	return b.String()
}

// Preview truncates s to at most n runes.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

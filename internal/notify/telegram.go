package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/approval"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const callbackPrefix = "approval:"

// Callback actions carried by the inline keyboard.
const (
	CallbackApprove = "approve"
	CallbackReject  = "reject"
)

// ApprovalKeyboard returns the approve/reject buttons for one record.
func ApprovalKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", callbackPrefix+id+":"+CallbackApprove),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", callbackPrefix+id+":"+CallbackReject),
		),
	)
}

// ParseApprovalCallback parses "approval:<id>:<action>".
func ParseApprovalCallback(data string) (id, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.SplitN(strings.TrimPrefix(data, callbackPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	switch parts[1] {
	case CallbackApprove, CallbackReject:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("unknown approval action %q", parts[1])
	}
}

// Telegram sends approval prompts with inline buttons and delivers fired
// alarms to the chat that created them.
type Telegram struct {
	sender Sender
	chatID int64
	logger *slog.Logger
}

// NewTelegram returns a sink posting to chatID.
func NewTelegram(sender Sender, chatID int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{sender: sender, chatID: chatID, logger: logger}
}

func (t *Telegram) Notify(_ context.Context, rec approval.Record) error {
	if t.chatID == 0 {
		return fmt.Errorf("telegram notify: no target chat")
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatApprovalMarkdown(rec))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = ApprovalKeyboard(rec.ID)
	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram notify %s: %w", rec.ID, err)
	}
	return nil
}

// FireAlarm posts the alarm prompt to the alarm's channel, falling back to
// the notify chat when the channel is not a Telegram chat id.
func (t *Telegram) FireAlarm(_ context.Context, agentID string, e alarm.Entry) error {
	chatID := t.chatID
	if id, err := strconv.ParseInt(strings.TrimSpace(e.ChannelID), 10, 64); err == nil && id != 0 {
		chatID = id
	}
	if chatID == 0 {
		return fmt.Errorf("telegram alarm %s: no target chat", e.ID)
	}
	text := fmt.Sprintf("⏰ [%s] %s\n(%s · %s)", agentID, e.Prompt, e.Schedule(), e.ID)
	if _, err := t.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram alarm %s: %w", e.ID, err)
	}
	t.logger.Debug("telegram alarm delivered", "agent_id", agentID, "alarm_id", e.ID, "chat_id", chatID)
	return nil
}

// FormatApprovalMarkdown renders the pending notification for MarkdownV2.
func FormatApprovalMarkdown(rec approval.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", EscapeMarkdownV2(Title(rec)))
	fmt.Fprintf(&b, "ID: `%s`\n", escapeCode(rec.ID))
	fmt.Fprintf(&b, "Status: `%s`\n", escapeCode(string(rec.Status)))
	if rec.AgentID != "" {
		fmt.Fprintf(&b, "Agent: `%s`\n", escapeCode(rec.AgentID))
	}
	fmt.Fprintf(&b, "Text:\n```\n%s\n```\n", escapeCode(Preview(rec.Text, MaxPreviewRunes)))
	fmt.Fprintf(&b, "%s", EscapeMarkdownV2(fmt.Sprintf("Approve: /approve %s · Reject: /reject %s", rec.ID, rec.ID)))
	return b.String()
}

// EscapeMarkdownV2 escapes the characters MarkdownV2 reserves outside code.
func EscapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes inside `code` and ```pre``` entities, where only
// backtick and backslash are reserved.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "`", "\\`")
}

package channels

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/smolclaw/internal/notify"
	"github.com/basket/smolclaw/internal/shared"
)

// Bot is the part of *tgbotapi.BotAPI the channel uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

const (
	longPollSeconds = 60
	// A healthy long poll returns at least every longPollSeconds, so a
	// silence well past that means the connection is gone.
	stallAfter   = 150 * time.Second
	minReconnect = time.Second
	maxReconnect = 30 * time.Second
)

var errStalled = errors.New("telegram: no updates within stall window")

// TelegramChannel serves chat commands and the approve/reject buttons
// attached to pending-approval notifications. Only allow-listed users are
// answered.
type TelegramChannel struct {
	bot     Bot
	allowed map[int64]bool
	handler *Handler
	logger  *slog.Logger

	// nextOffset is the first update id not yet seen, so a reconnect does
	// not replay a decision.
	nextOffset int
	handlers   sync.WaitGroup
}

func NewTelegramChannel(bot Bot, allowedIDs []int64, handler *Handler, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	return &TelegramChannel{bot: bot, allowed: allowed, handler: handler, logger: logger}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start long-polls for updates until ctx is done, reconnecting with
// exponential backoff when the poll closes or stalls. It waits for
// in-flight approvals before returning.
func (t *TelegramChannel) Start(ctx context.Context) error {
	defer t.handlers.Wait()

	wait := minReconnect
	for ctx.Err() == nil {
		cfg := tgbotapi.NewUpdate(t.nextOffset)
		cfg.Timeout = longPollSeconds
		received, err := t.session(ctx, t.bot.GetUpdatesChan(cfg))
		t.bot.StopReceivingUpdates()
		if err == nil {
			return nil
		}
		if received > 0 {
			wait = minReconnect
		}
		t.logger.Warn("telegram poll lost, reconnecting", "error", err, "retry_in", wait, "offset", t.nextOffset)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, maxReconnect)
	}
	return nil
}

// session drains one update stream. It returns nil only when ctx ends.
func (t *TelegramChannel) session(ctx context.Context, updates tgbotapi.UpdatesChannel) (int, error) {
	stall := time.NewTimer(stallAfter)
	defer stall.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, nil
		case <-stall.C:
			return received, errStalled
		case update, ok := <-updates:
			if !ok {
				return received, errors.New("telegram: update stream closed")
			}
			received++
			stall.Reset(stallAfter)
			if update.UpdateID >= t.nextOffset {
				t.nextOffset = update.UpdateID + 1
			}
			// Approving blocks on the platform call; keep reading meanwhile.
			t.handlers.Add(1)
			go func() {
				defer t.handlers.Done()
				t.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate answers one message or button press.
func (t *TelegramChannel) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if msg := update.Message; msg != nil && msg.From != nil {
		if !t.allowed[msg.From.ID] {
			t.logger.Warn("telegram: ignoring user outside allow list", "user_id", msg.From.ID, "user_name", msg.From.UserName)
			return
		}
		t.onMessage(ctx, msg)
		return
	}
	if q := update.CallbackQuery; q != nil && q.From != nil {
		if !t.allowed[q.From.ID] {
			t.logger.Warn("telegram: ignoring button press outside allow list", "user_id", q.From.ID)
			return
		}
		t.onButton(ctx, q)
	}
}

// decisionContext scopes a chat action for logs and the audit trail.
func decisionContext(ctx context.Context, u *tgbotapi.User) context.Context {
	ctx = shared.WithActor(ctx, "telegram:"+callerName(u))
	return shared.WithTraceID(ctx, shared.NewTraceID())
}

func (t *TelegramChannel) onMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	caller := Caller{ChatID: msg.Chat.ID, UserID: msg.From.ID, Name: callerName(msg.From)}
	if reply := t.handler.Handle(decisionContext(ctx, msg.From), caller, text); reply != "" {
		t.send(msg.Chat.ID, reply)
	}
}

var buttonAck = map[string]string{
	notify.CallbackApprove: "Approving…",
	notify.CallbackReject:  "Rejecting…",
}

func (t *TelegramChannel) onButton(ctx context.Context, q *tgbotapi.CallbackQuery) {
	id, action, err := notify.ParseApprovalCallback(q.Data)
	if err != nil {
		// Answer anyway so the client stops its spinner.
		t.request(tgbotapi.NewCallback(q.ID, "Unknown button"), "answer callback")
		return
	}
	t.request(tgbotapi.NewCallback(q.ID, buttonAck[action]), "answer callback")

	ctx = decisionContext(ctx, q.From)
	var result string
	if action == notify.CallbackApprove {
		result = t.handler.Approve(ctx, id)
	} else {
		result = t.handler.Reject(ctx, id)
	}
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID
	// With the buttons gone the decision cannot be pressed twice.
	noButtons := tgbotapi.NewEditMessageReplyMarkup(chatID, q.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	t.request(noButtons, "clear approval buttons")
	t.send(chatID, result)
}

func (t *TelegramChannel) request(c tgbotapi.Chattable, what string) {
	if _, err := t.bot.Request(c); err != nil {
		t.logger.Warn("telegram: "+what+" failed", "error", err)
	}
}

func (t *TelegramChannel) send(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram: send reply failed", "chat_id", chatID, "error", err)
	}
}

func callerName(u *tgbotapi.User) string {
	switch {
	case u == nil:
		return "unknown"
	case u.UserName != "":
		return u.UserName
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

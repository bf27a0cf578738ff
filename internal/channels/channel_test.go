package channels_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/channels"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/platform"
)

var (
	_ channels.Channel = (*channels.TelegramChannel)(nil)
	_ channels.Bot     = (*tgbotapi.BotAPI)(nil)
)

type okClient struct{}

func (okClient) Post(context.Context, string) (platform.Result, error) {
	return platform.Result{Success: true, PostID: "th-1"}, nil
}
func (okClient) Reply(context.Context, string, string) (platform.Result, error) {
	return platform.Result{Success: true, PostID: "th-2"}, nil
}
func (okClient) IsConfigured() bool { return true }

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (b *fakeBot) StopReceivingUpdates() {}

func (b *fakeBot) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return ""
	}
	return b.sent[len(b.sent)-1].Text
}

func newTestCore(t *testing.T) *control.Core {
	t.Helper()
	dir := t.TempDir()
	var agents []*control.Agent
	for _, id := range []string{"marketer", "hr"} {
		agents = append(agents, control.NewAgent(control.AgentConfig{AgentID: id, Timezone: "Asia/Seoul"}, control.Deps{StateDir: dir}))
	}
	reg, err := control.NewRegistry(agents...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	q := approval.NewQueue(approval.Config{
		Path:      filepath.Join(dir, "approvals.jsonl"),
		Clients:   platform.NewSet(map[string]platform.Client{platform.Threads: okClient{}}),
		OnOutcome: reg.OnApprovalOutcome,
	})
	t.Cleanup(q.Close)
	return control.NewCore(reg, q)
}

func message(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: "boss"},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(&fakeBot{}, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_DropsUnknownUsers(t *testing.T) {
	bot := &fakeBot{}
	ch := channels.NewTelegramChannel(bot, []int64{1}, channels.NewHandler(newTestCore(t)), nil)
	ch.HandleUpdate(context.Background(), message(2, 100, "/pending"))
	if len(bot.sent) != 0 {
		t.Fatalf("expected no reply to unknown user, got %d", len(bot.sent))
	}
}

func TestTelegramChannel_CommandFlow(t *testing.T) {
	bot := &fakeBot{}
	core := newTestCore(t)
	ch := channels.NewTelegramChannel(bot, []int64{1}, channels.NewHandler(core), nil)
	ctx := context.Background()

	ch.HandleUpdate(ctx, message(1, 100, "/post threads 가을 신메뉴 출시!"))
	if !strings.Contains(bot.last(), "queued") {
		t.Fatalf("post reply = %q", bot.last())
	}
	pending := core.Pending()
	if len(pending) != 1 || pending[0].Text != "가을 신메뉴 출시!" || pending[0].AgentID != "marketer" {
		t.Fatalf("pending = %+v", pending)
	}

	ch.HandleUpdate(ctx, message(1, 100, "/pending"))
	if !strings.Contains(bot.last(), pending[0].ID) {
		t.Fatalf("pending reply = %q", bot.last())
	}

	ch.HandleUpdate(ctx, message(1, 100, "/approve "+pending[0].ID))
	if !strings.Contains(bot.last(), "posted") || !strings.Contains(bot.last(), "th-1") {
		t.Fatalf("approve reply = %q", bot.last())
	}
	ch.HandleUpdate(ctx, message(1, 100, "/approve "+pending[0].ID))
	if !strings.Contains(bot.last(), "already posted") {
		t.Fatalf("second approve reply = %q", bot.last())
	}
}

func TestTelegramChannel_ApprovalButtons(t *testing.T) {
	bot := &fakeBot{}
	core := newTestCore(t)
	ch := channels.NewTelegramChannel(bot, []int64{1}, channels.NewHandler(core), nil)
	ctx := context.Background()

	rec, err := core.RequestPost(ctx, approval.Request{Platform: platform.Threads, Action: approval.ActionPost, Text: "hello"})
	if err != nil {
		t.Fatalf("request post: %v", err)
	}
	ch.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 1, UserName: "boss"},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: 100}},
		Data:    "approval:" + rec.ID + ":reject",
	}})

	got, _ := core.Queue().Get(rec.ID)
	if got.Status != approval.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if len(bot.requests) != 2 {
		t.Fatalf("expected callback ack and button strip, got %d requests", len(bot.requests))
	}
	if !strings.Contains(bot.last(), "rejected") {
		t.Fatalf("reply = %q", bot.last())
	}
}

func TestTelegramChannel_StartStopsOnCancel(t *testing.T) {
	ch := channels.NewTelegramChannel(&fakeBot{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// scriptedBot hands out one batch of updates per poll and then closes the
// stream, recording the offset each poll asked for.
type scriptedBot struct {
	fakeBot
	batches [][]tgbotapi.Update
	offsets []int
	polled  chan struct{}
}

func (b *scriptedBot) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets = append(b.offsets, cfg.Offset)
	ch := make(chan tgbotapi.Update, 8)
	if len(b.batches) > 0 {
		for _, u := range b.batches[0] {
			ch <- u
		}
		b.batches = b.batches[1:]
		close(ch)
	} else {
		select {
		case b.polled <- struct{}{}:
		default:
		}
	}
	return ch
}

func TestTelegramChannel_ResumesAfterLastUpdate(t *testing.T) {
	bot := &scriptedBot{
		batches: [][]tgbotapi.Update{{
			{UpdateID: 41, Message: &tgbotapi.Message{Text: "hi"}},
			{UpdateID: 42, Message: &tgbotapi.Message{Text: "hi"}},
		}},
		polled: make(chan struct{}, 1),
	}
	ch := channels.NewTelegramChannel(bot, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Start(ctx) }()

	select {
	case <-bot.polled:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never reconnected")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start = %v", err)
	}

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.offsets) < 2 || bot.offsets[0] != 0 || bot.offsets[1] != 43 {
		t.Fatalf("offsets = %v, want [0 43 ...]", bot.offsets)
	}
}

func TestTelegramChannel_UnknownButtonIsAnswered(t *testing.T) {
	bot := &fakeBot{}
	ch := channels.NewTelegramChannel(bot, []int64{1}, channels.NewHandler(newTestCore(t)), nil)
	ch.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-2",
		From: &tgbotapi.User{ID: 1},
		Data: "approval:nope:delete",
	}})
	if len(bot.requests) != 1 || len(bot.sent) != 0 {
		t.Fatalf("requests = %d, sent = %d; want a lone callback answer", len(bot.requests), len(bot.sent))
	}
}

type stubChannel struct {
	err error
}

func (stubChannel) Name() string { return "stub" }
func (c stubChannel) Start(ctx context.Context) error {
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_SwallowsChannelFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if err := channels.Run(context.Background(), stubChannel{err: errors.New("bot token revoked")}, logger); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "bot token revoked") || !strings.Contains(buf.String(), "channel=stub") {
		t.Fatalf("failure not logged: %s", buf.String())
	}

	buf.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := channels.Run(ctx, stubChannel{}, logger); err != nil {
		t.Fatalf("Run after cancel = %v", err)
	}
	if !strings.Contains(buf.String(), "channel stopped") {
		t.Fatalf("clean stop not logged: %s", buf.String())
	}
}

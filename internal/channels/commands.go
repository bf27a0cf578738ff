package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/hormone"
	"github.com/basket/smolclaw/internal/notify"
)

// Command is one parsed chat command.
type Command struct {
	Name    string   // without the leading slash, lower-cased
	AgentID string   // from an optional @agent token; "" means default
	Args    []string // remaining whitespace-separated tokens
	Rest    string   // raw text after the name and @agent token
}

// ParseCommand splits "/name [@agent] args...". Telegram's "/name@botname"
// suffix is dropped.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, fmt.Errorf("not a command")
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	name, _, _ := strings.Cut(head, "@")
	if name == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	cmd := Command{Name: strings.ToLower(name)}
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "@") {
		tok, after, _ := strings.Cut(rest, " ")
		cmd.AgentID = strings.TrimPrefix(tok, "@")
		rest = strings.TrimSpace(after)
	}
	cmd.Rest = rest
	cmd.Args = strings.Fields(rest)
	return cmd, nil
}

// splitSchedule separates "daily 09:00 prompt..." into the two schedule
// tokens and the prompt.
func splitSchedule(rest string) (schedule, prompt string, err error) {
	kind, after, _ := strings.Cut(strings.TrimSpace(rest), " ")
	when, prompt, _ := strings.Cut(strings.TrimSpace(after), " ")
	prompt = strings.TrimSpace(prompt)
	if kind == "" || when == "" || prompt == "" {
		return "", "", fmt.Errorf("usage: /alarm add <daily HH:MM|weekday HH:MM|every Nh|every Nm> <prompt>")
	}
	return kind + " " + when, prompt, nil
}

// Caller identifies who sent a command.
type Caller struct {
	ChatID int64
	UserID int64
	Name   string
}

// Handler executes chat commands against the control core and returns the
// reply text.
type Handler struct {
	core *control.Core
}

func NewHandler(core *control.Core) *Handler {
	return &Handler{core: core}
}

const helpText = `Commands:
/pending - list posts waiting for approval
/approve <id> - approve and publish
/reject <id> - reject
/post [@agent] <platform> <text> - propose a post
/reply [@agent] <platform> <parent_id> <text> - propose a reply
/alarms [@agent] - list alarms
/alarm [@agent] add <schedule> <prompt>
/alarm [@agent] rm|on|off <id>
/mood [@agent] - hormone status
/nudge [@agent] <dopamine> <cortisol> - manual adjustment (±0.3)`

// Handle runs one command. Errors are rendered into the reply.
func (h *Handler) Handle(ctx context.Context, caller Caller, text string) string {
	cmd, err := ParseCommand(text)
	if err != nil {
		return ""
	}
	switch cmd.Name {
	case "start", "help":
		return helpText
	case "pending":
		return h.pending()
	case "approve":
		if len(cmd.Args) != 1 {
			return "usage: /approve <id>"
		}
		return h.Approve(ctx, cmd.Args[0])
	case "reject":
		if len(cmd.Args) != 1 {
			return "usage: /reject <id>"
		}
		return h.Reject(ctx, cmd.Args[0])
	case "post":
		return h.post(ctx, caller, cmd)
	case "reply":
		return h.reply(ctx, caller, cmd)
	case "alarms":
		return h.alarms(cmd)
	case "alarm":
		return h.alarm(ctx, caller, cmd)
	case "mood":
		return h.mood(cmd)
	case "nudge":
		return h.nudge(ctx, cmd)
	default:
		return fmt.Sprintf("unknown command /%s\n\n%s", cmd.Name, helpText)
	}
}

func (h *Handler) pending() string {
	recs := h.core.Pending()
	if len(recs) == 0 {
		return "No pending approvals."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(&b, "• %s %s/%s [%s] %s\n", r.ID, r.Platform, r.Action, r.AgentID, notify.Preview(r.Text, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Approve is shared by /approve and the inline approve button.
func (h *Handler) Approve(ctx context.Context, id string) string {
	res, err := h.core.Approve(ctx, id)
	if err != nil {
		return describeApprovalError(id, err)
	}
	if !res.Success {
		return fmt.Sprintf("❌ %s failed: %s", id, res.Error)
	}
	return fmt.Sprintf("✅ %s posted (post id %s)", id, res.PostID)
}

// Reject is shared by /reject and the inline reject button.
func (h *Handler) Reject(ctx context.Context, id string) string {
	if _, err := h.core.Reject(ctx, id); err != nil {
		return describeApprovalError(id, err)
	}
	return fmt.Sprintf("🚫 %s rejected", id)
}

func describeApprovalError(id string, err error) string {
	var se *approval.StatusError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return fmt.Sprintf("no approval with id %s", id)
	case errors.As(err, &se):
		return fmt.Sprintf("%s is already %s", id, se.Status)
	case errors.Is(err, approval.ErrNotConfigured):
		return fmt.Sprintf("%s: platform not configured, still pending", id)
	default:
		return fmt.Sprintf("%s: %v", id, err)
	}
}

func (h *Handler) post(ctx context.Context, caller Caller, cmd Command) string {
	platformName, text, _ := strings.Cut(cmd.Rest, " ")
	text = strings.TrimSpace(text)
	if platformName == "" || text == "" {
		return "usage: /post [@agent] <platform> <text>"
	}
	return h.enqueue(ctx, caller, approval.Request{
		Platform: strings.ToLower(platformName),
		Action:   approval.ActionPost,
		Text:     text,
		AgentID:  cmd.AgentID,
	})
}

func (h *Handler) reply(ctx context.Context, caller Caller, cmd Command) string {
	platformName, after, _ := strings.Cut(cmd.Rest, " ")
	parent, text, _ := strings.Cut(strings.TrimSpace(after), " ")
	text = strings.TrimSpace(text)
	if platformName == "" || parent == "" || text == "" {
		return "usage: /reply [@agent] <platform> <parent_id> <text>"
	}
	return h.enqueue(ctx, caller, approval.Request{
		Platform: strings.ToLower(platformName),
		Action:   approval.ActionReply,
		Text:     text,
		Meta:     map[string]any{"parent_id": parent},
		AgentID:  cmd.AgentID,
	})
}

func (h *Handler) enqueue(ctx context.Context, caller Caller, req approval.Request) string {
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}
	req.Meta["requested_by"] = caller.Name
	rec, err := h.core.RequestPost(ctx, req)
	if err != nil {
		return fmt.Sprintf("not queued: %v", err)
	}
	return fmt.Sprintf("queued %s for approval (%s/%s)", rec.ID, rec.Platform, rec.Action)
}

func (h *Handler) alarms(cmd Command) string {
	a, err := h.core.Agent(cmd.AgentID)
	if err != nil {
		return err.Error()
	}
	list := a.ListAlarms()
	if len(list) == 0 {
		return fmt.Sprintf("%s has no alarms.", a.ID())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s alarms (%d/%d):\n", a.ID(), len(list), alarm.MaxAlarmsPerAgent)
	for _, e := range list {
		state := "on"
		if !e.Enabled {
			state = "off"
		}
		last := "never"
		if e.LastRun != nil {
			last = e.LastRun.Format("01-02 15:04 MST")
		}
		fmt.Fprintf(&b, "• %s %s (%s) [%s] last=%s: %s\n", e.ID, e.Schedule(), e.Timezone, state, last, notify.Preview(e.Prompt, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) alarm(ctx context.Context, caller Caller, cmd Command) string {
	if len(cmd.Args) == 0 {
		return "usage: /alarm [@agent] add <schedule> <prompt> | rm <id> | on <id> | off <id>"
	}
	a, err := h.core.Agent(cmd.AgentID)
	if err != nil {
		return err.Error()
	}
	sub := strings.ToLower(cmd.Args[0])
	rest := strings.TrimSpace(strings.TrimPrefix(cmd.Rest, cmd.Args[0]))
	switch sub {
	case "add":
		schedule, prompt, err := splitSchedule(rest)
		if err != nil {
			return err.Error()
		}
		e, err := a.AddAlarm(ctx, schedule, prompt, strconv.FormatInt(caller.ChatID, 10), caller.Name, "")
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("⏰ alarm %s set: %s (%s)", e.ID, e.Schedule(), e.Timezone)
	case "rm", "remove", "cancel":
		if len(cmd.Args) != 2 {
			return "usage: /alarm rm <id>"
		}
		ok, err := a.RemoveAlarm(ctx, cmd.Args[1])
		if err != nil {
			return err.Error()
		}
		if !ok {
			return fmt.Sprintf("no alarm %s", cmd.Args[1])
		}
		return fmt.Sprintf("alarm %s removed", cmd.Args[1])
	case "on", "off":
		if len(cmd.Args) != 2 {
			return fmt.Sprintf("usage: /alarm %s <id>", sub)
		}
		if err := a.SetAlarmEnabled(ctx, cmd.Args[1], sub == "on"); err != nil {
			if errors.Is(err, alarm.ErrNotFound) {
				return fmt.Sprintf("no alarm %s", cmd.Args[1])
			}
			return err.Error()
		}
		return fmt.Sprintf("alarm %s %s", cmd.Args[1], sub)
	default:
		return fmt.Sprintf("unknown /alarm subcommand %q", sub)
	}
}

func (h *Handler) mood(cmd Command) string {
	a, err := h.core.Agent(cmd.AgentID)
	if err != nil {
		return err.Error()
	}
	return FormatStatus(a.ID(), a.Status())
}

func (h *Handler) nudge(ctx context.Context, cmd Command) string {
	if len(cmd.Args) != 2 {
		return "usage: /nudge [@agent] <dopamine> <cortisol>"
	}
	d, err1 := strconv.ParseFloat(cmd.Args[0], 64)
	c, err2 := strconv.ParseFloat(cmd.Args[1], 64)
	if err1 != nil || err2 != nil {
		return "dopamine and cortisol must be numbers"
	}
	a, err := h.core.Agent(cmd.AgentID)
	if err != nil {
		return err.Error()
	}
	res, err := a.Nudge(ctx, d, c)
	if err != nil {
		return fmt.Sprintf("nudge failed: %v", err)
	}
	return fmt.Sprintf("applied dopamine %+.2f cortisol %+.2f\n%s", res.DopamineDelta, res.CortisolDelta, FormatStatus(a.ID(), res.Status))
}

// FormatStatus renders a hormone snapshot for chat.
func FormatStatus(agentID string, s hormone.Status) string {
	return fmt.Sprintf("🧪 %s: %s\ndopamine %.3f · cortisol %.3f · energy %.3f\ntick %d · model %s · posting x%.2f · length %s\n%s",
		agentID, s.Label, s.Dopamine, s.Cortisol, s.Energy,
		s.TickCount, s.EffectiveModel, s.PostingMultiplier, s.ResponseLength, s.CreativityMode)
}

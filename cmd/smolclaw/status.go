package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/smolclaw/internal/config"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/hormone"
)

// statusResponse mirrors the body of GET /api/status.
type statusResponse struct {
	Overview   control.Overview `json:"overview"`
	ConfigHash string           `json:"config_hash"`
	TimeUnix   int64            `json:"time_unix"`
	Usage      *hormone.Usage   `json:"usage,omitempty"`
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	agentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print the raw /api/status response")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: smolclaw status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL(cfg.BindAddr, "/api/status"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if keys := cfg.APIKeys(); len(keys) > 0 {
		req.Header.Set("Authorization", "Bearer "+keys[0])
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}

	if *asJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
		return 0
	}

	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}
	fmt.Println(renderStatus(st))
	return 0
}

// apiURL turns bind_addr into a base URL. Addresses that already carry a
// scheme are used as-is.
func apiURL(addr, path string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + path
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + path
}

func renderStatus(st statusResponse) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("smolclaw"))
	if st.ConfigHash != "" {
		b.WriteString(dimStyle.Render("  config " + shortHash(st.ConfigHash)))
	}
	b.WriteString("\n")
	if st.Usage != nil {
		line := fmt.Sprintf("calls today %d / %d", st.Usage.CallsToday, st.Usage.DailyLimit)
		if st.Usage.DailyLimit > 0 && st.Usage.CallsToday >= st.Usage.DailyLimit {
			line = warnStyle.Render(line + " (limit reached)")
		}
		b.WriteString(line + "\n")
	}

	for _, a := range st.Overview.Agents {
		b.WriteString(agentStyle.Render(renderAgent(a)))
		b.WriteString("\n")
	}

	if len(st.Overview.Pending) == 0 {
		b.WriteString(dimStyle.Render("no pending approvals"))
		return b.String()
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("pending approvals (%d)", len(st.Overview.Pending))))
	for _, rec := range st.Overview.Pending {
		fmt.Fprintf(&b, "\n  %s  %s/%s  %s", rec.ID, rec.Platform, rec.Action, truncate(rec.Text, 60))
	}
	return b.String()
}

func renderAgent(a control.AgentOverview) string {
	h := a.Hormones
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(a.DisplayName), dimStyle.Render("("+a.AgentID+", "+a.Timezone+")"))
	fmt.Fprintf(&b, "%s  dopamine %.2f  cortisol %.2f  energy %.2f\n", h.Label, h.Dopamine, h.Cortisol, h.Energy)
	fmt.Fprintf(&b, "model %s  creativity %s  posting x%.2f  replies %s",
		h.EffectiveModel, h.CreativityMode, h.PostingMultiplier, h.ResponseLength)
	for _, e := range a.Alarms {
		state := "on"
		if !e.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "\n  alarm %s [%s] %s", e.ID, state, truncate(e.Prompt, 40))
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

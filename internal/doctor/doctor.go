// Package doctor runs offline and network checks against a smolclaw home
// directory without starting the daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/smolclaw/internal/config"
	"github.com/basket/smolclaw/internal/usage"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkStateDir,
		checkUsageDB,
		checkPlatforms,
		checkRelays,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing (run smolclaw init)", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.AgentID)
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("agents=%s, daily_call_limit=%d, tick=%s", strings.Join(ids, ","), cfg.DailyCallLimit, cfg.TickInterval()),
	}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: "SKIP", Message: "Config missing"}
	}
	keys := cfg.APIKeys()
	if len(keys) == 0 {
		return CheckResult{
			Name:    "Auth",
			Status:  "WARN",
			Message: "No auth_token set; the HTTP API refuses every request",
			Detail:  "Set auth_token in config.yaml or SMOLCLAW_AUTH_TOKEN",
		}
	}
	for _, k := range keys {
		if len(k) < 16 {
			return CheckResult{Name: "Auth", Status: "WARN", Message: fmt.Sprintf("%d API keys, at least one shorter than 16 characters", len(keys))}
		}
	}
	return CheckResult{Name: "Auth", Status: "PASS", Message: fmt.Sprintf("%d API keys configured", len(keys))}
}

func checkStateDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State Dir", Status: "SKIP", Message: "Config missing"}
	}
	dir := cfg.StateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	docs, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	return CheckResult{Name: "State Dir", Status: "PASS", Message: "State directory writable", Detail: fmt.Sprintf("%d state documents in %s", len(docs), dir)}
}

func checkUsageDB(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Usage DB", Status: "SKIP", Message: "Config missing"}
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	tracker, err := usage.Open(usage.Config{Path: cfg.UsageDBPath(), DailyLimit: cfg.DailyCallLimit, Location: loc})
	if err != nil {
		return CheckResult{Name: "Usage DB", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer tracker.Close()

	u, err := tracker.UsageStatus()
	if err != nil {
		return CheckResult{Name: "Usage DB", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{Name: "Usage DB", Status: "PASS", Message: fmt.Sprintf("%d of %d calls used today", u.CallsToday, u.DailyLimit)}
	if u.DailyLimit > 0 && u.CallsToday >= u.DailyLimit {
		res.Status = "WARN"
		res.Detail = "Daily limit reached; agents run with zero energy until midnight"
	}
	return res
}

func checkPlatforms(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Platforms", Status: "SKIP", Message: "Config missing"}
	}
	var ready, partial []string
	for name, p := range cfg.Platforms {
		if p.Endpoint != "" && p.Token != "" {
			ready = append(ready, name)
		} else {
			partial = append(partial, name)
		}
	}
	sort.Strings(ready)
	sort.Strings(partial)
	switch {
	case len(partial) > 0:
		return CheckResult{Name: "Platforms", Status: "WARN", Message: "Platforms missing endpoint or token: " + strings.Join(partial, ", "), Detail: "ready: " + strings.Join(ready, ", ")}
	case len(ready) == 0:
		return CheckResult{Name: "Platforms", Status: "WARN", Message: "No publishing relays configured; approved posts will fail", Detail: "Add platforms.threads or platforms.x to config.yaml"}
	default:
		return CheckResult{Name: "Platforms", Status: "PASS", Message: "Ready: " + strings.Join(ready, ", ")}
	}
}

func checkRelays(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	hosts := make(map[string]bool)
	for _, p := range cfg.Platforms {
		if u, err := url.Parse(p.Endpoint); err == nil && u.Hostname() != "" {
			hosts[u.Hostname()] = true
		}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No relay endpoints to resolve"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed, resolved []string
	start := time.Now()
	for host := range hosts {
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", host, err))
		} else {
			resolved = append(resolved, host)
		}
	}
	latency := time.Since(start)
	sort.Strings(failed)
	sort.Strings(resolved)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %d relay hosts", len(failed)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %d relay hosts (%dms)", len(resolved), latency.Milliseconds()),
		Detail:  strings.Join(resolved, ", "),
	}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Disabled"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Enabled without a token", Detail: "Set channels.telegram.token or TELEGRAM_TOKEN"}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "No allowed_ids; nobody can issue commands or approve posts"}
	}
	if tg.NotifyTarget() == 0 {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "No chat receives approval prompts"}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("%d allowed users, prompts to chat %d", len(tg.AllowedIDs), tg.NotifyTarget())}
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterAgents returns the default agents for first-run setup.
// Used only when no agents are configured.
func StarterAgents() []AgentConfigEntry {
	return []AgentConfigEntry{
		{
			AgentID:     "marketer",
			DisplayName: "Smol Claw Marketing",
		},
	}
}

// WriteStarter writes a config.yaml holding cfg's agents and defaults. It
// refuses to overwrite an existing file.
func WriteStarter(cfg Config) error {
	path := ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	starter := map[string]interface{}{
		"log_level":             cfg.LogLevel,
		"bind_addr":             cfg.BindAddr,
		"tick_interval_seconds": cfg.TickIntervalSeconds,
		"post_timeout_seconds":  cfg.PostTimeoutSeconds,
		"daily_call_limit":      cfg.DailyCallLimit,
		"default_timezone":      cfg.DefaultTimezone,
		"agents":                cfg.Agents,
	}
	out, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create smolclaw home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

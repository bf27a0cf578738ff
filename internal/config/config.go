package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // timezone validation must work in minimal containers

	"gopkg.in/yaml.v3"

	"github.com/basket/smolclaw/internal/otel"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	// NotifyChatID receives approval prompts and alarm fires. Zero falls
	// back to the first allowed id.
	NotifyChatID int64 `yaml:"notify_chat_id"`
}

// NotifyTarget returns the chat that approval prompts are delivered to.
func (t TelegramConfig) NotifyTarget() int64 {
	if t.NotifyChatID != 0 {
		return t.NotifyChatID
	}
	if len(t.AllowedIDs) > 0 {
		return t.AllowedIDs[0]
	}
	return 0
}

// DiscordConfig posts approval notices to a Discord webhook.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// PlatformConfig points a publishing platform at its relay endpoint.
type PlatformConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// AgentConfigEntry defines a named agent to create on startup.
type AgentConfigEntry struct {
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`
	Timezone    string `yaml:"timezone"`
}

// APIKeyEntry is an additional bearer token accepted by the HTTP API.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

type AuthConfig struct {
	Keys []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig budgets API requests per caller. Reads (GET) and writes
// (everything else) draw from separate buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	// Writes queue drafts, approve posts and nudge hormones. Defaults 20/5.
	WriteRequestsPerMinute int `yaml:"write_requests_per_minute"`
	WriteBurstSize         int `yaml:"write_burst_size"`
}

// GatewayConfig tunes the HTTP API middleware.
type GatewayConfig struct {
	Auth         AuthConfig      `yaml:"auth"`
	CORS         CORSConfig      `yaml:"cors"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
}

// APIKeys returns every token the HTTP API accepts: auth_token first,
// then gateway.auth.keys.
func (c Config) APIKeys() []string {
	var keys []string
	if c.AuthToken != "" {
		keys = append(keys, c.AuthToken)
	}
	for _, k := range c.Gateway.Auth.Keys {
		if k.Key != "" {
			keys = append(keys, k.Key)
		}
	}
	return keys
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`

	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	PostTimeoutSeconds  int    `yaml:"post_timeout_seconds"`
	DailyCallLimit      int    `yaml:"daily_call_limit"`
	DefaultTimezone     string `yaml:"default_timezone"`

	// RetentionUsageDays bounds how many days of call counts are kept. 0 keeps everything.
	RetentionUsageDays int `yaml:"retention_usage_days"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// ModelAliases overrides the concrete model name shown for a tier ("cheap", "standard").
	ModelAliases map[string]string `yaml:"model_aliases"`

	Agents    []AgentConfigEntry        `yaml:"agents"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	OTel      otel.Config               `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// StateDir holds hormone and alarm documents.
func (c Config) StateDir() string { return filepath.Join(c.HomeDir, "state") }

// ApprovalsPath is the approval queue log.
func (c Config) ApprovalsPath() string { return filepath.Join(c.HomeDir, "approvals.jsonl") }

// UsageDBPath is the SQLite database backing the daily call budget.
func (c Config) UsageDBPath() string { return filepath.Join(c.HomeDir, "usage.db") }

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c Config) PostTimeout() time.Duration {
	return time.Duration(c.PostTimeoutSeconds) * time.Second
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetDailyCallLimit updates daily_call_limit in config.yaml, preserving other settings.
// A running daemon picks the change up through the watcher.
func SetDailyCallLimit(homeDir string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("daily_call_limit must be positive, got %d", limit)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create smolclaw home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["daily_call_limit"] = limit
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that shape runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	ids := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.AgentID+"@"+a.Timezone)
	}
	fmt.Fprintf(h, "tick=%d|post=%d|limit=%d|tz=%s|bind=%s|log=%s|agents=%v|origins=%v",
		c.TickIntervalSeconds, c.PostTimeoutSeconds, c.DailyCallLimit, c.DefaultTimezone,
		c.BindAddr, c.LogLevel, ids, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		BindAddr:            "127.0.0.1:18790",
		TickIntervalSeconds: 60,
		PostTimeoutSeconds:  30,
		DailyCallLimit:      500,
		DefaultTimezone:     "Asia/Seoul",
		RetentionUsageDays:  30,
	}
}

func HomeDir() string {
	if override := os.Getenv("SMOLCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".smolclaw")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir. A missing file yields the
// defaults plus the starter agents and sets NeedsInit.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create smolclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 60
	}
	if cfg.PostTimeoutSeconds <= 0 {
		cfg.PostTimeoutSeconds = 30
	}
	if cfg.DailyCallLimit <= 0 {
		cfg.DailyCallLimit = 500
	}
	if strings.TrimSpace(cfg.DefaultTimezone) == "" {
		cfg.DefaultTimezone = "Asia/Seoul"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.AgentID = strings.TrimSpace(a.AgentID)
		if a.DisplayName == "" {
			a.DisplayName = a.AgentID
		}
		if a.Timezone == "" {
			a.Timezone = cfg.DefaultTimezone
		}
	}
	platforms := make(map[string]PlatformConfig, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		platforms[strings.ToLower(strings.TrimSpace(name))] = p
	}
	cfg.Platforms = platforms
}

// validate rejects agent lists that cannot be registered, timezones that
// cannot be resolved, and telemetry settings Init would refuse.
func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", cfg.DefaultTimezone, err)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agents: agent_id must not be empty")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("agents: duplicate agent_id %q", a.AgentID)
		}
		seen[a.AgentID] = true
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("agent %s: timezone %q: %w", a.AgentID, a.Timezone, err)
		}
	}
	return cfg.OTel.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SMOLCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SMOLCLAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SMOLCLAW_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("SMOLCLAW_DAILY_CALL_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DailyCallLimit = v
		}
	}
	if raw := os.Getenv("SMOLCLAW_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("DISCORD_WEBHOOK_URL"); raw != "" {
		cfg.Channels.Discord.WebhookURL = raw
	}
	for _, name := range []string{"threads", "x"} {
		raw := os.Getenv("SMOLCLAW_" + strings.ToUpper(name) + "_TOKEN")
		if raw == "" {
			continue
		}
		if cfg.Platforms == nil {
			cfg.Platforms = make(map[string]PlatformConfig)
		}
		p := cfg.Platforms[name]
		p.Token = raw
		cfg.Platforms[name] = p
	}
}

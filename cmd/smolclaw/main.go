package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/audit"
	"github.com/basket/smolclaw/internal/bus"
	"github.com/basket/smolclaw/internal/channels"
	"github.com/basket/smolclaw/internal/config"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/cron"
	"github.com/basket/smolclaw/internal/gateway"
	"github.com/basket/smolclaw/internal/notify"
	otelPkg "github.com/basket/smolclaw/internal/otel"
	"github.com/basket/smolclaw/internal/platform"
	"github.com/basket/smolclaw/internal/telemetry"
	"github.com/basket/smolclaw/internal/usage"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the control core and HTTP API

SUBCOMMANDS:
  %s status [-json]           Show agents, hormones, alarms and pending approvals
  %s doctor [-json]           Run diagnostic checks
  %s limit <n>                Set daily_call_limit in config.yaml
  %s init                     Write a starter config.yaml
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SMOLCLAW_HOME           Data directory (default: ~/.smolclaw)
  SMOLCLAW_LOG_LEVEL      Overrides log_level
  SMOLCLAW_BIND_ADDR      Overrides bind_addr
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	// Without a terminal attached the file log is the only useful sink.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "limit":
			os.Exit(runLimitCommand(args[1:]))
		case "init":
			os.Exit(runInitCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx, quietLogs); err != nil {
		os.Exit(1)
	}
}

// run wires the control core and blocks until ctx is cancelled or a
// component fails. Startup failures are logged by fatalStartup.
func run(ctx context.Context, quietLogs bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logging, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer func() { _ = logging.Close() }()
	logger := logging.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsInit {
		if err := config.WriteStarter(cfg); err != nil {
			return fatalStartup(logger, auditLog, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		if cfg, err = config.Load(); err != nil {
			return fatalStartup(logger, auditLog, "E_CONFIG_RELOAD", err)
		}
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && !isLoopback(host) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
	}
	if len(cfg.APIKeys()) == 0 {
		logger.Warn("auth_token is empty; the HTTP API will refuse every request except /healthz")
	}

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_CONFIG_LOAD", err)
	}
	tracker, err := usage.Open(usage.Config{
		Path:       cfg.UsageDBPath(),
		DailyLimit: cfg.DailyCallLimit,
		Location:   loc,
		Logger:     logger,
	})
	if err != nil {
		return fatalStartup(logger, auditLog, "E_USAGE_INIT", err)
	}
	defer func() { _ = tracker.Close() }()

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return fatalStartup(logger, auditLog, "E_STATE_DIR", err)
	}

	clients := buildPlatformClients(cfg)

	tg := cfg.Channels.Telegram
	var bot *tgbotapi.BotAPI
	if tg.Enabled && tg.Token != "" {
		bot, err = tgbotapi.NewBotAPI(tg.Token)
		if err != nil {
			logger.Error("telegram init failed; continuing without telegram", "error", err)
			bot = nil
		}
	}

	sinks := notify.Fanout{notify.Log{Logger: logger}}
	var firer control.Firer = control.FirerFunc(func(_ context.Context, agentID string, e alarm.Entry) error {
		logger.Info("alarm fired", "agent_id", agentID, "alarm_id", e.ID, "prompt", e.Prompt)
		return nil
	})
	if bot != nil {
		if target := tg.NotifyTarget(); target != 0 {
			tgSink := notify.NewTelegram(bot, target, logger)
			sinks = append(sinks, tgSink)
			firer = tgSink
		} else {
			logger.Warn("telegram has no notify_chat_id or allowed_ids; approvals and alarms will not be delivered to chat")
		}
	}
	if url := strings.TrimSpace(cfg.Channels.Discord.WebhookURL); url != "" {
		sinks = append(sinks, notify.NewDiscord(url, nil))
	}

	deps := control.Deps{
		StateDir:     cfg.StateDir(),
		Budget:       tracker,
		ModelAliases: cfg.HormoneModelAliases(),
		Firer:        firer,
		Bus:          eventBus,
		Audit:        auditLog,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		Logger:       logger,
	}
	agents := make([]*control.Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agents = append(agents, control.NewAgent(control.AgentConfig{
			AgentID:     ac.AgentID,
			DisplayName: ac.DisplayName,
			Timezone:    ac.Timezone,
		}, deps))
	}
	reg, err := control.NewRegistry(agents...)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_AGENT_REGISTRY", err)
	}

	queue := approval.NewQueue(approval.Config{
		Path:      cfg.ApprovalsPath(),
		Clients:   platform.NewSet(clients),
		Notifier:  sinks,
		Timeout:   cfg.PostTimeout(),
		OnOutcome: reg.OnApprovalOutcome,
		Bus:       eventBus,
		Audit:     auditLog,
		Tracer:    provider.Tracer,
		Metrics:   metrics,
		Logger:    logger,
	})
	defer queue.Close()
	if n, err := queue.Recover(ctx); err != nil {
		logger.Error("approval recovery failed", "error", err)
	} else if n > 0 {
		logger.Warn("approvals interrupted mid-execution marked failed", "count", n)
	}

	core := control.NewCore(reg, queue)
	logger.Info("startup phase", "phase", "core_ready", "agents", reg.IDs(), "pending", len(core.Pending()))

	sched := cron.NewScheduler(cron.Config{
		Agents:   reg,
		Logger:   logger,
		Interval: cfg.TickInterval(),
		Location: loc,
	})
	if days := cfg.RetentionUsageDays; days > 0 {
		err := sched.AddJob("@daily", "usage_prune", func(ctx context.Context) {
			n, err := tracker.Prune(ctx, days)
			if err != nil {
				logger.Warn("usage prune failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("usage rows pruned", "rows", n, "keep_days", days)
			}
		})
		if err != nil {
			return fatalStartup(logger, auditLog, "E_CRON_INIT", err)
		}
	}

	gw, err := gateway.New(gateway.Config{
		Core:              core,
		Bus:               eventBus,
		Usage:             tracker,
		APIKeys:           cfg.APIKeys(),
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		CORS:              cfg.Gateway.CORS,
		RateLimit:         cfg.Gateway.RateLimit,
		MaxBodyBytes:      cfg.Gateway.MaxBodyBytes,
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Counters:          provider,
		Logger:            logger,
	})
	if err != nil {
		return fatalStartup(logger, auditLog, "E_GATEWAY_INIT", err)
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_GATEWAY_BIND", err)
	}
	srv := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	gw.StartEviction(gctx)

	sched.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if bot != nil {
		channel := channels.NewTelegramChannel(bot, tg.AllowedIDs, channels.NewHandler(core), logger)
		g.Go(func() error { return channels.Run(gctx, channel, logger) })
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		g.Go(func() error {
			watchConfig(gctx, watcher.Events(), cfg, tracker, logging, logger)
			return nil
		})
	}

	logger.Info("smolclaw running", "bind_addr", cfg.BindAddr, "tick_interval", cfg.TickInterval())
	err = g.Wait()
	logger.Info("smolclaw stopped", "error", err)
	return err
}

// limitSetter is the part of the usage tracker that follows config edits.
type limitSetter interface {
	SetLimit(limit int)
}

// levelSetter is the part of the logger that follows config edits.
type levelSetter interface {
	SetLevel(level string)
}

// watchConfig applies the hot-reloadable settings (daily_call_limit,
// log_level) on every config.yaml change until events is closed.
func watchConfig(ctx context.Context, events <-chan config.ReloadEvent, current config.Config, limits limitSetter, levels levelSetter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			if next.DailyCallLimit != current.DailyCallLimit {
				limits.SetLimit(next.DailyCallLimit)
			}
			if next.LogLevel != current.LogLevel {
				levels.SetLevel(next.LogLevel)
				logger.Info("log level updated", "from", current.LogLevel, "to", next.LogLevel)
			}
			if needsRestart(current, next) {
				logger.Warn("config change requires a restart to take effect (agents, bind_addr, platforms or channels)")
			}
			current = next
		}
	}
}

// needsRestart reports changes that watchConfig cannot apply live.
func needsRestart(a, b config.Config) bool {
	if a.BindAddr != b.BindAddr || a.AuthToken != b.AuthToken || len(a.Agents) != len(b.Agents) {
		return true
	}
	for i := range a.Agents {
		if a.Agents[i] != b.Agents[i] {
			return true
		}
	}
	if len(a.Platforms) != len(b.Platforms) {
		return true
	}
	for name, p := range a.Platforms {
		if b.Platforms[name] != p {
			return true
		}
	}
	return a.Channels.Telegram.Token != b.Channels.Telegram.Token ||
		a.Channels.Discord.WebhookURL != b.Channels.Discord.WebhookURL
}

// buildPlatformClients returns one relay client per configured platform.
// Threads and X are always present so a request for an unconfigured one
// fails as not configured instead of unsupported.
func buildPlatformClients(cfg config.Config) map[string]platform.Client {
	httpClient := &http.Client{Timeout: cfg.PostTimeout()}
	clients := make(map[string]platform.Client, len(cfg.Platforms)+2)
	for name, p := range cfg.Platforms {
		clients[name] = platform.NewHTTPClient(platform.HTTPConfig{
			Endpoint: p.Endpoint,
			Token:    p.Token,
			HTTP:     httpClient,
		})
	}
	for _, name := range []string{platform.Threads, platform.X} {
		if _, ok := clients[name]; !ok {
			clients[name] = platform.NewHTTPClient(platform.HTTPConfig{HTTP: httpClient})
		}
	}
	return clients
}

func isLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

// fatalStartup records a structured startup failure with a reason code and
// returns err so run can exit non-zero.
func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	if err == nil {
		err = errors.New(reasonCode)
	}
	return err
}

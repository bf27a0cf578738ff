package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/basket/smolclaw/internal/config"
)

// runLimitCommand rewrites daily_call_limit. A running daemon applies it
// through the config watcher.
func runLimitCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: smolclaw limit <n>")
		return 2
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "limit must be a positive integer, got %q\n", args[0])
		return 2
	}
	home := config.HomeDir()
	if err := config.SetDailyCallLimit(home, n); err != nil {
		fmt.Fprintf(os.Stderr, "set limit: %v\n", err)
		return 1
	}
	fmt.Printf("daily_call_limit set to %d in %s\n", n, config.ConfigPath(home))
	return 0
}

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: smolclaw init")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := config.ConfigPath(cfg.HomeDir)
	if !cfg.NeedsInit {
		fmt.Printf("config already exists: %s\n", path)
		return 0
	}
	if err := config.WriteStarter(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s with %d starter agents; set auth_token before exposing the API\n", path, len(cfg.Agents))
	return 0
}

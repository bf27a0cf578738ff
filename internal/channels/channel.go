package channels

import (
	"context"
	"errors"
	"log/slog"
)

// Channel is a chat surface operators use to review approvals and steer
// agents.
type Channel interface {
	Name() string
	// Start serves until ctx is done or the channel fails for good.
	Start(ctx context.Context) error
}

// Run serves ch until ctx is done. A failing channel is logged and
// abandoned rather than returned: chat is optional and the HTTP API keeps
// working without it.
func Run(ctx context.Context, ch Channel, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", ch.Name())
	logger.Info("channel started")

	err := ch.Start(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), ctx.Err() != nil:
		logger.Info("channel stopped")
	default:
		logger.Error("channel failed; approvals remain available over HTTP", "error", err)
	}
	return nil
}

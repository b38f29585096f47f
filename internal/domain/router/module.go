package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/agent-relay/config"
	"github.com/webitel/agent-relay/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("router",
	fx.Provide(
		func(cfg *config.Config, log *slog.Logger, store storage.MessageStore, dir AgentDirectory) *Router {
			return New(log, store, dir,
				WithAckTimeout(time.Duration(cfg.Relay.AckTimeoutMs)*time.Millisecond),
				WithMaxAttempts(cfg.Relay.MaxAttempts),
				WithDeliveryTTL(time.Duration(cfg.Relay.DeliveryTTLMs)*time.Millisecond),
				WithProcessingTimeout(time.Duration(cfg.Relay.ProcessingTimeoutMs)*time.Millisecond),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, r *Router) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				r.BroadcastSystem("relay shutting down", map[string]any{"_system": true})
				r.Shutdown()
				return nil
			},
		})
	}),
)

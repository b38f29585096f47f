package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/agent-relay/config"
	"github.com/webitel/agent-relay/internal/bridge"
	"github.com/webitel/agent-relay/internal/domain/router"
	"github.com/webitel/agent-relay/internal/handler/httpapi"
	"github.com/webitel/agent-relay/internal/registry"
	"github.com/webitel/agent-relay/internal/service"
	"github.com/webitel/agent-relay/internal/storage/sqlite"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		sqlite.Module,
		registry.Module,
		router.Module,
		service.Module,
		httpapi.Module,
		bridge.Module,
	)
}

// ProvideLogger builds the process logger. The level var is shared with the
// config watcher, so a config-file edit retunes verbosity live.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LevelVar(),
	})).With(
		slog.String("service", ServiceName),
	)
	slog.SetDefault(logger)
	return logger
}

// ProvideWatermillLogger adapts the process logger for the message bus.
func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

package registry

import (
	"log/slog"

	"github.com/webitel/agent-relay/config"
	"github.com/webitel/agent-relay/internal/domain/router"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, log *slog.Logger) *Directory {
			return NewDirectory(cfg.Registry.Capacity, log)
		},
		func(d *Directory) router.AgentDirectory { return d },
	),
)

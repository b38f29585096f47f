package sqlite

import (
	"context"
	"log/slog"

	"github.com/webitel/agent-relay/config"
	"github.com/webitel/agent-relay/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("storage",
	fx.Provide(
		func(cfg *config.Config, log *slog.Logger) (*Store, error) {
			return Open(cfg.Storage.Path, log)
		},
		func(s *Store) storage.MessageStore { return s },
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return s.Close()
			},
		})
	}),
)

package service

import (
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewRelayService,
			fx.As(new(Relayer)),
		),
	),

	// Intercept the relay surface to add cross-cutting logging.
	fx.Decorate(func(orig Relayer, logger *slog.Logger) Relayer {
		return NewRelayMiddleware(orig, logger)
	}),
)

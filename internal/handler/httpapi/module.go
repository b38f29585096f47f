package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/webitel/agent-relay/config"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewAPI),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, api *API, logger *slog.Logger) {
		var srv *http.Server
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				srv = &http.Server{Addr: cfg.Server.ListenAddr, Handler: api.Routes()}
				go func() {
					logger.Info("HTTP_LISTENING", "addr", cfg.Server.ListenAddr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("HTTP_SERVER_FAILED", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if srv == nil {
					return nil
				}
				return srv.Shutdown(ctx)
			},
		})
	}),
)

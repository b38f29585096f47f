package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/webitel/agent-relay/config"
	"github.com/webitel/agent-relay/internal/domain/router"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

var Module = fx.Module("bridge",
	fx.Invoke(Setup),
)

// Setup assembles the bridge when an AMQP URL is configured; without one the
// daemon runs standalone and unknown names are simply dropped.
func Setup(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger, wmLog watermill.LoggerAdapter, r *router.Router) error {
	if cfg.Bridge.AMQPURL == "" {
		log.Info("BRIDGE_DISABLED", "reason", "no amqp url configured")
		return nil
	}

	daemonID := cfg.Bridge.DaemonID
	if daemonID == "" {
		daemonID = uuid.NewString()[:8]
	}

	amqpCfg := wamqp.NewDurablePubSubConfig(
		cfg.Bridge.AMQPURL,
		wamqp.GenerateQueueNameTopicNameWithSuffix("."+daemonID),
	)

	pub, err := wamqp.NewPublisher(amqpCfg, wmLog)
	if err != nil {
		return err
	}
	sub, err := wamqp.NewSubscriber(amqpCfg, wmLog)
	if err != nil {
		return err
	}

	heartbeat := time.Duration(cfg.Bridge.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	b := New(log, pub, daemonID, cfg.Bridge.DaemonName, cfg.Bridge.MachineID, 3*heartbeat)

	wmRouter, err := message.NewRouter(message.RouterConfig{}, wmLog)
	if err != nil {
		return err
	}
	if err := b.RegisterHandlers(wmRouter, sub, r); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			g.Go(func() error { return wmRouter.Run(gctx) })
			g.Go(func() error { return b.heartbeatLoop(gctx, r, heartbeat) })
			r.SetCrossMachineHandler(b)
			log.Info("BRIDGE_STARTED",
				"daemon_id", daemonID,
				"daemon_name", cfg.Bridge.DaemonName,
				"heartbeat", heartbeat.String(),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := wmRouter.Close()
			_ = g.Wait()
			pub.Close()
			sub.Close()
			return err
		},
	})
	return nil
}

// heartbeatLoop announces this daemon's roster and prunes quiet peers.
func (b *Bridge) heartbeatLoop(ctx context.Context, r *router.Router, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.AnnouncePresence(ctx, r.Stats().Agents); err != nil {
				b.log.Warn("PRESENCE_ANNOUNCE_FAILED", "err", err)
			}
			b.pruneStale()
		}
	}
}

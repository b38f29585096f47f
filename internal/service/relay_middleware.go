package service

import (
	"log/slog"
	"time"

	"github.com/webitel/agent-relay/internal/domain/model"
)

// relayMiddleware decorates Relayer with per-envelope timing and outcome
// logging, keeping observability out of the business layer.
type relayMiddleware struct {
	next   Relayer
	logger *slog.Logger
}

// NewRelayMiddleware creates the logging decorator for the relay service.
func NewRelayMiddleware(next Relayer, logger *slog.Logger) Relayer {
	return &relayMiddleware{next: next, logger: logger}
}

func (m *relayMiddleware) Attach(c model.Conn) {
	m.next.Attach(c)
	m.logger.Debug("RELAY_ATTACH", "conn_id", c.ID(), "name", c.AgentName())
}

func (m *relayMiddleware) Detach(c model.Conn) {
	m.next.Detach(c)
	m.logger.Debug("RELAY_DETACH", "conn_id", c.ID(), "name", c.AgentName())
}

func (m *relayMiddleware) Route(c model.Conn, env *model.Envelope) {
	start := time.Now()
	m.next.Route(c, env)
	m.logger.Debug("ENVELOPE_ROUTED",
		"type", string(env.Type),
		"envelope_id", env.ID,
		"conn_id", c.ID(),
		"duration_us", time.Since(start).Microseconds(),
	)
}

func (m *relayMiddleware) Subscribe(name, topic string) {
	m.next.Subscribe(name, topic)
	m.logger.Info("TOPIC_SUBSCRIBED", "name", name, "topic", topic)
}

func (m *relayMiddleware) Unsubscribe(name, topic string) {
	m.next.Unsubscribe(name, topic)
	m.logger.Info("TOPIC_UNSUBSCRIBED", "name", name, "topic", topic)
}

func (m *relayMiddleware) BindShadow(shadow, primary string, opts model.ShadowOptions) {
	m.next.BindShadow(shadow, primary, opts)
}

func (m *relayMiddleware) UnbindShadow(shadow string) {
	m.next.UnbindShadow(shadow)
}

func (m *relayMiddleware) Stats() model.RouterStats {
	return m.next.Stats()
}

package service

import (
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/domain/router"
)

// Relayer is the primary interface for transport handlers (WebSocket, HTTP).
type Relayer interface {
	Attach(c model.Conn)
	Detach(c model.Conn)
	Route(c model.Conn, env *model.Envelope)
	Subscribe(name, topic string)
	Unsubscribe(name, topic string)
	BindShadow(shadow, primary string, opts model.ShadowOptions)
	UnbindShadow(shadow string)
	Stats() model.RouterStats
}

// Interface guard
var _ Relayer = (*RelayService)(nil)

// RelayService fronts the router core for the transport layer.
type RelayService struct {
	router *router.Router
}

func NewRelayService(r *router.Router) *RelayService {
	return &RelayService{router: r}
}

func (s *RelayService) Attach(c model.Conn) { s.router.Register(c) }
func (s *RelayService) Detach(c model.Conn) { s.router.Unregister(c) }

func (s *RelayService) Route(c model.Conn, env *model.Envelope) { s.router.Route(c, env) }

func (s *RelayService) Subscribe(name, topic string)   { s.router.Subscribe(name, topic) }
func (s *RelayService) Unsubscribe(name, topic string) { s.router.Unsubscribe(name, topic) }

func (s *RelayService) BindShadow(shadow, primary string, opts model.ShadowOptions) {
	s.router.BindShadow(shadow, primary, opts)
}
func (s *RelayService) UnbindShadow(shadow string) { s.router.UnbindShadow(shadow) }

func (s *RelayService) Stats() model.RouterStats { return s.router.Stats() }

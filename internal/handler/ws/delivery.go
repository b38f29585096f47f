package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes     = 1 << 20
	defaultBufferSize = 1024
)

// Handler upgrades peers to WebSocket, registers them with the relay, and
// pumps envelopes both ways. One long-lived connection per participant.
type Handler struct {
	logger   *slog.Logger
	relay    service.Relayer
	upgrader websocket.Upgrader
}

func NewHandler(logger *slog.Logger, relay service.Relayer) *Handler {
	return &Handler{
		logger: logger,
		relay:  relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local daemon, no origin policy
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	meta := model.ConnMeta{
		CLI:              q.Get("cli"),
		Program:          q.Get("program"),
		Model:            q.Get("model"),
		Task:             q.Get("task"),
		WorkingDirectory: q.Get("cwd"),
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WS_UPGRADE_FAILED", "err", err)
		return
	}
	defer sock.Close()

	conn := newPeerConn(r.Context(), name, model.ParseEntityType(q.Get("type")), q.Get("session"), meta, defaultBufferSize)
	defer conn.Close()

	h.relay.Attach(conn)
	defer h.relay.Detach(conn)

	l := h.logger.With(
		slog.String("name", name),
		slog.String("conn_id", conn.ID()),
		slog.String("session_id", conn.SessionID()),
	)
	l.Info("WS_SESSION_OPENED")

	go h.writePump(l, sock, conn)
	h.readLoop(l, sock, conn)

	l.Info("WS_SESSION_CLOSED", "dropped", conn.Dropped())
}

// readLoop parses inbound frames and hands envelopes to the router. The
// SUBSCRIBE/UNSUBSCRIBE and SHADOW_BIND/SHADOW_UNBIND frames are transport
// extensions handled here, not core envelope kinds.
func (h *Handler) readLoop(l *slog.Logger, sock *websocket.Conn, conn *peerConn) {
	sock.SetReadLimit(maxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn("WS_READ_FAILED", "err", err)
			}
			return
		}

		if h.handleControl(l, conn, data) {
			continue
		}

		env := &model.Envelope{}
		if err := json.Unmarshal(data, env); err != nil {
			l.Warn("WS_FRAME_REJECTED", "err", err)
			continue
		}
		h.relay.Route(conn, env)
	}
}

// controlFrame is the transport-level control extension.
type controlFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Topic           string                `json:"topic,omitempty"`
		Primary         string                `json:"primary,omitempty"`
		SpeakOn         []model.ShadowTrigger `json:"speak_on,omitempty"`
		ReceiveIncoming *bool                 `json:"receive_incoming,omitempty"`
		ReceiveOutgoing *bool                 `json:"receive_outgoing,omitempty"`
	} `json:"payload"`
}

func (h *Handler) handleControl(l *slog.Logger, conn *peerConn, data []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}

	switch head.Type {
	case "SUBSCRIBE", "UNSUBSCRIBE", "SHADOW_BIND", "SHADOW_UNBIND":
	default:
		return false
	}

	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.Warn("WS_CONTROL_REJECTED", "err", err)
		return true
	}

	name := conn.AgentName()
	switch frame.Type {
	case "SUBSCRIBE":
		h.relay.Subscribe(name, frame.Payload.Topic)
	case "UNSUBSCRIBE":
		h.relay.Unsubscribe(name, frame.Payload.Topic)
	case "SHADOW_BIND":
		h.relay.BindShadow(name, frame.Payload.Primary, model.ShadowOptions{
			SpeakOn:         frame.Payload.SpeakOn,
			ReceiveIncoming: frame.Payload.ReceiveIncoming,
			ReceiveOutgoing: frame.Payload.ReceiveOutgoing,
		})
	case "SHADOW_UNBIND":
		h.relay.UnbindShadow(name)
	}
	return true
}

// writePump drains the connection's mailbox onto the socket and keeps the
// peer alive with pings.
func (h *Handler) writePump(l *slog.Logger, sock *websocket.Conn, conn *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sock.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-conn.Recv():
			data, err := json.Marshal(env)
			if err != nil {
				l.Error("WS_MARSHAL_FAILED", "envelope_id", env.ID, "err", err)
				continue
			}
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Warn("WS_WRITE_FAILED", "err", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

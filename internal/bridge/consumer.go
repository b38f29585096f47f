package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/domain/router"
)

const (
	// PoisonTopic collects bus messages that keep failing.
	PoisonTopic = "relay.bridge.poison"
)

// RegisterHandlers binds the bridge consumers onto the watermill router:
// this daemon's directed cross topic plus the shared presence topic.
func (b *Bridge) RegisterHandlers(wr *message.Router, sub message.Subscriber, r *router.Router) error {
	poison, err := middleware.PoisonQueue(b.publisher, PoisonTopic)
	if err != nil {
		return fmt.Errorf("bridge: poison setup: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_CROSS_SEND", CrossTopic(b.daemonID), b.onCrossSend(r)},
		{"ON_PRESENCE", PresenceTopic, b.onPresence()},
	}

	for _, c := range configs {
		wr.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(b.log),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.Timeout(time.Second*30),
		)
	}

	b.log.Info("BRIDGE_PIPELINE_READY", "daemon_id", b.daemonID, "topic", CrossTopic(b.daemonID))
	return nil
}

// onCrossSend injects a remote SEND into the local router. Undecodable
// payloads are acked away; routing failures are terminal too (the origin
// daemon saw success, per the at-least-once contract retries happen there).
func (b *Bridge) onCrossSend(r *router.Router) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var ce crossEnvelope
		if err := json.Unmarshal(msg.Payload, &ce); err != nil {
			b.log.Error("CROSS_DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection.
		}
		if ce.FromDaemonID == b.daemonID {
			return nil // Our own echo.
		}

		kind := ce.Kind
		if kind == "" {
			kind = model.KindMessage
		}
		send := &model.Envelope{
			V:     model.ProtocolVersion,
			Type:  model.TypeSend,
			ID:    ce.OriginalID,
			TS:    ce.SentAt,
			From:  ce.From,
			To:    ce.To,
			Topic: ce.Topic,
			Message: &model.MessagePayload{
				Kind:   kind,
				Body:   ce.Body,
				Thread: ce.Thread,
				Data:   ce.Data,
			},
		}

		r.InjectRemote(ce.From, send)

		b.log.Debug("CROSS_SEND_INJECTED",
			"from", ce.From,
			"from_daemon", ce.FromDaemonID,
			"to", ce.To,
		)
		return nil
	}
}

// onPresence folds remote heartbeats into the agent directory.
func (b *Bridge) onPresence() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var ann presenceAnnouncement
		if err := json.Unmarshal(msg.Payload, &ann); err != nil {
			b.log.Error("PRESENCE_DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil
		}
		b.absorbPresence(&ann)
		return nil
	}
}

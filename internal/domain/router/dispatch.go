package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/agent-relay/internal/domain/model"
)

// HandleSend routes a client SEND: clears the sender's busy flag, emits
// shadow copies, then dispatches direct / broadcast / cross-machine.
func (r *Router) HandleSend(c model.Conn, env *model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := c.AgentName()
	if sender == "" {
		r.log.Warn("SEND_FROM_UNNAMED_CONNECTION", "conn_id", c.ID(), "envelope_id", env.ID)
		return
	}

	r.handleSendLocked(sender, env)
}

// InjectRemote dispatches a SEND that arrived over the cross-machine bridge.
// The sender lives on another daemon, so there is no local connection to
// clear or shadow; only local recipients matter. A remote name that resolves
// nowhere locally is dropped (no bridge loops).
func (r *Router) InjectRemote(sender string, env *model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.To == model.BroadcastTarget {
		r.broadcastLocked(sender, env)
		return
	}
	if target, ok := r.lookupLocalLocked(env.To); ok {
		r.deliverDirectLocked(sender, target, env)
		return
	}
	r.log.Warn("REMOTE_SEND_UNROUTABLE", "from", sender, "to", env.To, "envelope_id", env.ID)
}

func (r *Router) handleSendLocked(sender string, env *model.Envelope) {
	if r.directory != nil {
		r.directory.RecordSend(sender)
	}

	// The sender is answering; it is no longer busy.
	r.clearProcessingLocked(sender)

	r.routeToShadowsLocked(sender, env, model.ShadowOutgoing, "")

	if env.To == model.BroadcastTarget {
		r.broadcastLocked(sender, env)
		return
	}

	if target, ok := r.lookupLocalLocked(env.To); ok {
		r.deliverDirectLocked(sender, target, env)
		return
	}

	r.forwardRemoteLocked(sender, env)
}

// deliverDirectLocked builds and transmits a DELIVER for one local recipient.
func (r *Router) deliverDirectLocked(sender string, target model.Conn, send *model.Envelope) {
	recipient := target.AgentName()

	deliver := r.buildDeliverLocked(target, sender, recipient, send.Topic, send.Message, "")
	ok := target.Send(deliver)

	// Persisted regardless of transport outcome, exactly once per DELIVER id.
	r.persistDeliver(deliver, false)

	if ok {
		r.trackLocked(deliver, target, recipient)
		if r.directory != nil {
			r.directory.RecordReceive(recipient)
		}
		r.setProcessingLocked(recipient, deliver.ID)
	} else {
		r.log.Warn("DELIVER_REFUSED_BY_TRANSPORT",
			"to", recipient,
			"envelope_id", deliver.ID,
		)
	}

	r.routeToShadowsLocked(recipient, send, model.ShadowIncoming, sender)

	r.log.Debug("DELIVER_DISPATCHED",
		"from", sender,
		"to", recipient,
		"seq", deliver.Delivery.Seq,
		"envelope_id", deliver.ID,
	)
}

// broadcastLocked fans a SEND out to every agent, or to the topic's
// subscribers when a topic is set. The sender never receives its own
// broadcast. Each recipient gets a distinct DELIVER with its own sequence.
func (r *Router) broadcastLocked(sender string, send *model.Envelope) {
	var recipients []string
	if send.Topic != "" {
		for name := range r.subs[send.Topic] {
			recipients = append(recipients, name)
		}
	} else {
		recipients = r.agentNamesLocked()
	}

	delivered := 0
	for _, name := range recipients {
		if name == sender {
			continue
		}
		target, ok := r.agents[name]
		if !ok {
			// Stale subscription entry; scrubbed on unregister normally.
			continue
		}

		deliver := r.buildDeliverLocked(target, sender, name, send.Topic, send.Message, model.BroadcastTarget)
		sent := target.Send(deliver)
		r.persistDeliver(deliver, true)
		if sent {
			r.trackLocked(deliver, target, name)
			if r.directory != nil {
				r.directory.RecordReceive(name)
			}
			r.setProcessingLocked(name, deliver.ID)
			delivered++
		}
	}

	r.log.Debug("BROADCAST_DISPATCHED",
		"from", sender,
		"topic", send.Topic,
		"recipients", delivered,
	)
}

// forwardRemoteLocked hands an unknown name to the cross-machine bridge, or
// drops the SEND when no remote peer claims it. Cloud delivery is
// asynchronous: the sender saw success the moment we enqueue.
func (r *Router) forwardRemoteLocked(sender string, send *model.Envelope) {
	if r.remote != nil {
		if ra, ok := r.remote.IsRemoteAgent(send.To); ok {
			r.dispatchRemote(r.remote, ra, sender, send)
			return
		}
	}

	r.log.Warn("SEND_UNROUTABLE",
		"from", sender,
		"to", send.To,
		"envelope_id", send.ID,
		"known_agents", r.agentNamesLocked(),
	)
}

// dispatchRemote completes outside the router lock. On success the envelope
// is persisted with the cross-machine marker fields; on rejection it is
// logged and considered failed with no router-level retry.
func (r *Router) dispatchRemote(handler CrossMachineHandler, ra *RemoteAgent, sender string, send *model.Envelope) {
	meta := CrossMeta{
		Topic:      send.Topic,
		Thread:     send.Message.Thread,
		Kind:       send.Message.Kind,
		Data:       send.Message.Data,
		OriginalID: send.ID,
	}
	body := send.Message.Body
	store := r.store

	go func() {
		if err := handler.SendCrossMachineMessage(context.Background(), ra.DaemonID, send.To, sender, body, meta); err != nil {
			r.log.Error("CROSS_MACHINE_SEND_FAILED",
				"to", send.To,
				"daemon_id", ra.DaemonID,
				"err", err,
			)
			return
		}

		r.log.Info("CROSS_MACHINE_SEND_OK",
			"to", send.To,
			"daemon_id", ra.DaemonID,
			"envelope_id", send.ID,
		)

		if store == nil {
			return
		}
		data := model.CloneData(send.Message.Data)
		data["_crossMachine"] = true
		data["_targetDaemon"] = ra.DaemonID
		data["_targetDaemonName"] = ra.DaemonName
		rec := &model.MessageRecord{
			ID:     send.ID,
			TS:     send.TS,
			From:   sender,
			To:     send.To,
			Topic:  send.Topic,
			Kind:   send.Message.Kind,
			Body:   body,
			Thread: send.Message.Thread,
			Data:   data,
			Status: model.StatusUnread,
		}
		if err := store.SaveMessage(context.Background(), rec); err != nil {
			r.log.Error("PERSIST_FAILED", "envelope_id", send.ID, "err", err)
		}
	}()
}

// BroadcastSystem emits a system-origin DELIVER to every connected agent.
// Best effort: no tracking, no persistence (shutdown notices and the like).
func (r *Router) BroadcastSystem(body string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload := &model.MessagePayload{
		Kind: model.KindMessage,
		Body: body,
		Data: data,
	}
	for name, target := range r.agents {
		deliver := r.buildDeliverLocked(target, SystemOrigin, name, "", payload, "")
		if !target.Send(deliver) {
			r.log.Debug("SYSTEM_BROADCAST_REFUSED", "to", name)
		}
	}
	r.log.Info("SYSTEM_BROADCAST", "body", body, "agents", len(r.agents))
}

// buildDeliverLocked constructs a DELIVER and burns the target's next
// sequence on the (topic, from) stream. Retries reuse the envelope as built
// here, so a retransmission carries the same id and seq.
func (r *Router) buildDeliverLocked(target model.Conn, from, to, topic string, payload *model.MessagePayload, originalTo string) *model.Envelope {
	streamTopic := topic
	if streamTopic == "" {
		streamTopic = DefaultTopic
	}

	p := *payload
	return &model.Envelope{
		V:       model.ProtocolVersion,
		Type:    model.TypeDeliver,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		From:    from,
		To:      to,
		Topic:   topic,
		Message: &p,
		Delivery: &model.Delivery{
			Seq:        target.NextSeq(streamTopic, from),
			SessionID:  target.SessionID(),
			OriginalTo: originalTo,
		},
	}
}

// persistDeliver saves one row per DELIVER id, fire-and-forget.
func (r *Router) persistDeliver(deliver *model.Envelope, broadcast bool) {
	if r.store == nil {
		return
	}
	rec := &model.MessageRecord{
		ID:                deliver.ID,
		TS:                deliver.TS,
		From:              deliver.From,
		To:                deliver.To,
		Topic:             deliver.Topic,
		Kind:              deliver.Message.Kind,
		Body:              deliver.Message.Body,
		Thread:            deliver.Message.Thread,
		Data:              deliver.Message.Data,
		DeliverySeq:       deliver.Delivery.Seq,
		DeliverySessionID: deliver.Delivery.SessionID,
		SessionID:         deliver.Delivery.SessionID,
		Status:            model.StatusUnread,
		IsBroadcast:       broadcast,
	}
	store := r.store
	go func() {
		if err := store.SaveMessage(context.Background(), rec); err != nil {
			r.log.Error("PERSIST_FAILED", "envelope_id", rec.ID, "err", err)
		}
	}()
}

package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/agent-relay/internal/domain/model"
)

// BindShadow attaches shadow to primary, replacing any binding the shadow
// already holds (one primary per shadow). S shadowing P while P shadows S is
// allowed; copies never recurse because only route(SEND) triggers fan-out.
func (r *Router) BindShadow(shadow, primary string, opts model.ShadowOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unbindShadowLocked(shadow)

	cfg := model.NewShadowConfig(shadow, primary, opts)
	r.primaryOf[shadow] = cfg
	r.shadowsOf[primary] = append(r.shadowsOf[primary], cfg)

	r.log.Info("SHADOW_BOUND",
		"shadow", shadow,
		"primary", primary,
		"receive_incoming", cfg.ReceiveIncoming,
		"receive_outgoing", cfg.ReceiveOutgoing,
	)
}

// UnbindShadow detaches the shadow from its primary, if any.
func (r *Router) UnbindShadow(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindShadowLocked(shadow)
}

func (r *Router) unbindShadowLocked(shadow string) {
	cfg, ok := r.primaryOf[shadow]
	if !ok {
		return
	}
	delete(r.primaryOf, shadow)

	list := r.shadowsOf[cfg.PrimaryAgent]
	for i, sc := range list {
		if sc.ShadowAgent == shadow {
			r.shadowsOf[cfg.PrimaryAgent] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.shadowsOf[cfg.PrimaryAgent]) == 0 {
		delete(r.shadowsOf, cfg.PrimaryAgent)
	}
}

// routeToShadowsLocked copies a SEND to the primary's shadows. Outgoing
// copies follow the sender's shadows, incoming copies (direct sends only)
// follow the recipient's; actualFrom names the original sender in that case.
// Copies are tracked for retry but never mark the shadow as processing:
// shadows stay passive.
func (r *Router) routeToShadowsLocked(primary string, send *model.Envelope, direction model.ShadowDirection, actualFrom string) {
	list := r.shadowsOf[primary]
	if len(list) == 0 {
		return
	}

	from := actualFrom
	if from == "" {
		from = primary
	}

	for _, cfg := range list {
		if direction == model.ShadowOutgoing && !cfg.ReceiveOutgoing {
			continue
		}
		if direction == model.ShadowIncoming && !cfg.ReceiveIncoming {
			continue
		}
		if cfg.ShadowAgent == from {
			continue
		}
		target, ok := r.agents[cfg.ShadowAgent]
		if !ok {
			continue
		}

		payload := *send.Message
		payload.Data = model.CloneData(send.Message.Data)
		payload.Data["_shadowCopy"] = true
		payload.Data["_shadowOf"] = primary
		payload.Data["_shadowDirection"] = string(direction)

		deliver := r.buildDeliverLocked(target, from, cfg.ShadowAgent, send.Topic, &payload, "")
		if target.Send(deliver) {
			r.trackLocked(deliver, target, cfg.ShadowAgent)
		}

		r.log.Debug("SHADOW_COPY_SENT",
			"shadow", cfg.ShadowAgent,
			"primary", primary,
			"direction", string(direction),
		)
	}
}

// EmitShadowTrigger pokes every shadow of primary whose speak-on set covers
// the trigger. Unlike passive copies, a triggered shadow is expected to act,
// so it IS marked as processing.
func (r *Router) EmitShadowTrigger(primary string, trigger model.ShadowTrigger, triggerContext map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cfg := range r.shadowsOf[primary] {
		if !cfg.SpeaksOn(trigger) {
			continue
		}
		target, ok := r.agents[cfg.ShadowAgent]
		if !ok {
			continue
		}

		payload := &model.MessagePayload{
			Kind: model.KindMessage,
			Body: fmt.Sprintf("SHADOW_TRIGGER:%s", trigger),
			Data: map[string]any{
				"_shadowTrigger":  string(trigger),
				"_shadowOf":       primary,
				"_triggerContext": triggerContext,
			},
		}
		deliver := &model.Envelope{
			V:       model.ProtocolVersion,
			Type:    model.TypeDeliver,
			ID:      uuid.NewString(),
			TS:      time.Now().UnixMilli(),
			From:    SystemOrigin,
			To:      cfg.ShadowAgent,
			Message: payload,
			Delivery: &model.Delivery{
				Seq:       target.NextSeq(DefaultTopic, SystemOrigin),
				SessionID: target.SessionID(),
			},
		}
		if target.Send(deliver) {
			r.trackLocked(deliver, target, cfg.ShadowAgent)
			r.setProcessingLocked(cfg.ShadowAgent, deliver.ID)
		}

		r.log.Info("SHADOW_TRIGGERED",
			"shadow", cfg.ShadowAgent,
			"primary", primary,
			"trigger", string(trigger),
		)
	}
}

package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/agent-relay/internal/domain/model"
)

// JoinChannel adds the connection's name to a channel, creating it on first
// join. Existing members are notified before the joiner appears in the set;
// a repeated join is a silent no-op.
func (r *Router) JoinChannel(c model.Conn, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.AgentName()
	if name == "" {
		r.log.Warn("CHANNEL_JOIN_FROM_UNNAMED", "conn_id", c.ID(), "channel", channel)
		return
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	if _, already := members[name]; already {
		return
	}

	r.notifyChannelLocked(channel, name, model.TypeChannelJoin, members)

	members[name] = struct{}{}
	if r.memberChannels[name] == nil {
		r.memberChannels[name] = make(map[string]struct{})
	}
	r.memberChannels[name][channel] = struct{}{}

	r.log.Info("CHANNEL_JOINED", "channel", channel, "name", name, "members", len(members))
}

// LeaveChannel removes the name from a channel; non-members are ignored.
// The channel itself is deleted once its last member leaves.
func (r *Router) LeaveChannel(c model.Conn, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.AgentName()
	if name == "" {
		return
	}
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	if _, member := members[name]; !member {
		return
	}

	r.removeFromChannelLocked(channel, name)
	if mc, ok := r.memberChannels[name]; ok {
		delete(mc, channel)
		if len(mc) == 0 {
			delete(r.memberChannels, name)
		}
	}

	r.log.Info("CHANNEL_LEFT", "channel", channel, "name", name)
}

// removeFromChannelLocked takes name out of the member set, notifies the
// remaining members, and reaps the channel when it empties. Callers maintain
// the reverse map.
func (r *Router) removeFromChannelLocked(channel, name string) {
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, name)
	if len(members) == 0 {
		delete(r.channels, channel)
		return
	}
	r.notifyChannelLocked(channel, name, model.TypeChannelLeave, members)
}

// notifyChannelLocked fans a membership notification out to current members.
// These reuse the JOIN/LEAVE discriminants as server-to-client notices.
func (r *Router) notifyChannelLocked(channel, subject string, kind model.EnvelopeType, members map[string]struct{}) {
	for member := range members {
		target, ok := r.lookupLocalLocked(member)
		if !ok {
			continue
		}
		target.Send(&model.Envelope{
			V:       model.ProtocolVersion,
			Type:    kind,
			ID:      uuid.NewString(),
			TS:      time.Now().UnixMilli(),
			From:    subject,
			Channel: &model.ChannelPayload{Channel: channel},
		})
	}
}

// HandleChannelMessage fans a member's post out to every other member.
// Channel fan-out is best effort: it bypasses the ACK tracker. The message
// is persisted once, on the sender side, with the channel markers.
func (r *Router) HandleChannelMessage(c model.Conn, env *model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := c.AgentName()
	channel := env.Channel.Channel

	members, ok := r.channels[channel]
	if !ok {
		r.log.Warn("CHANNEL_MESSAGE_UNKNOWN_CHANNEL", "channel", channel, "from", sender)
		return
	}
	if _, member := members[sender]; !member {
		r.log.Warn("CHANNEL_MESSAGE_FROM_NON_MEMBER", "channel", channel, "from", sender)
		return
	}

	out := &model.Envelope{
		V:    model.ProtocolVersion,
		Type: model.TypeChannelMessage,
		ID:   uuid.NewString(),
		TS:   time.Now().UnixMilli(),
		From: sender,
		Channel: &model.ChannelPayload{
			Channel:  channel,
			Body:     env.Channel.Body,
			Mentions: env.Channel.Mentions,
			Thread:   env.Channel.Thread,
			Data:     env.Channel.Data,
		},
	}
	for member := range members {
		if member == sender {
			continue
		}
		if target, ok := r.lookupLocalLocked(member); ok {
			target.Send(out)
		}
	}

	r.persistChannelMessage(out, sender)
}

func (r *Router) persistChannelMessage(out *model.Envelope, sender string) {
	if r.store == nil {
		return
	}
	data := model.CloneData(out.Channel.Data)
	data["_isChannelMessage"] = true
	data["_channel"] = out.Channel.Channel
	data["_mentions"] = out.Channel.Mentions
	rec := &model.MessageRecord{
		ID:          out.ID,
		TS:          out.TS,
		From:        sender,
		To:          out.Channel.Channel,
		Kind:        model.KindMessage,
		Body:        out.Channel.Body,
		Thread:      out.Channel.Thread,
		Data:        data,
		Status:      model.StatusUnread,
		IsBroadcast: true,
	}
	store := r.store
	go func() {
		if err := store.SaveMessage(context.Background(), rec); err != nil {
			r.log.Error("PERSIST_FAILED", "envelope_id", rec.ID, "err", err)
		}
	}()
}

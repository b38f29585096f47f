package router

import (
	"context"
	"time"

	"github.com/webitel/agent-relay/internal/domain/model"
)

// ReplayPending re-sends the connection's unacked persisted envelopes after
// a session resume. Each reconstructed DELIVER keeps its stored id, seq and
// session id, and re-enters the pending tracker so it retries and can be
// ACKed. Nothing is persisted again; only the re-send side effect happens.
//
// Requires a store implementing ReplaySource; otherwise replay is disabled.
func (r *Router) ReplayPending(c model.Conn) {
	src, ok := r.store.(ReplaySource)
	if !ok || c.AgentName() == "" {
		return
	}

	// Query outside the lock; the store owns its own concurrency.
	rows, err := src.PendingMessagesForSession(context.Background(), c.AgentName(), c.SessionID())
	if err != nil {
		r.log.Error("REPLAY_QUERY_FAILED",
			"name", c.AgentName(),
			"session_id", c.SessionID(),
			"err", err,
		)
		return
	}
	if len(rows) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.ID()]; !ok || cur != c {
		// Connection went away while we were querying.
		return
	}

	replayed := 0
	for _, row := range rows {
		deliver := r.rebuildDeliverLocked(c, row)
		if c.Send(deliver) {
			r.trackLocked(deliver, c, c.AgentName())
			replayed++
		}
	}

	r.log.Info("REPLAY_COMPLETED",
		"name", c.AgentName(),
		"session_id", c.SessionID(),
		"replayed", replayed,
		"stored", len(rows),
	)
}

// rebuildDeliverLocked reconstructs a DELIVER from a stored row. A row
// without a stored sequence falls back to a freshly allocated one.
func (r *Router) rebuildDeliverLocked(c model.Conn, row *model.MessageRecord) *model.Envelope {
	seq := row.DeliverySeq
	if seq == 0 {
		streamTopic := row.Topic
		if streamTopic == "" {
			streamTopic = DefaultTopic
		}
		seq = c.NextSeq(streamTopic, row.From)
	}
	sessionID := row.DeliverySessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}

	ts := row.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &model.Envelope{
		V:     model.ProtocolVersion,
		Type:  model.TypeDeliver,
		ID:    row.ID,
		TS:    ts,
		From:  row.From,
		To:    row.To,
		Topic: row.Topic,
		Message: &model.MessagePayload{
			Kind:   row.Kind,
			Body:   row.Body,
			Thread: row.Thread,
			Data:   row.Data,
		},
		Delivery: &model.Delivery{
			Seq:       seq,
			SessionID: sessionID,
		},
	}
}

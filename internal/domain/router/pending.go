package router

import (
	"context"
	"time"

	"github.com/webitel/agent-relay/internal/domain/model"
)

// pendingDelivery is one tracked DELIVER awaiting its ACK.
// It lives from first transmission to ACK or a terminal drop; every terminal
// transition stops the timer so no handle leaks.
type pendingDelivery struct {
	env       *model.Envelope
	conn      model.Conn
	connID    string
	recipient string
	attempts  int
	firstSent time.Time
	timer     *time.Timer
}

// trackLocked registers a transmitted DELIVER with the retry state machine.
// The transmission that just happened counts as attempt one.
func (r *Router) trackLocked(deliver *model.Envelope, target model.Conn, recipient string) {
	if r.closed {
		return
	}

	id := deliver.ID
	if prev, ok := r.pending[id]; ok {
		// A replayed delivery can collide with a still-live entry for the
		// same id; the replacement must not leave two retry chains running.
		prev.timer.Stop()
	}
	p := &pendingDelivery{
		env:       deliver,
		conn:      target,
		connID:    target.ID(),
		recipient: recipient,
		attempts:  1,
		firstSent: time.Now(),
	}
	p.timer = time.AfterFunc(r.cfg.ackTimeout, func() { r.onRetryTimer(id) })
	r.pending[id] = p
}

// HandleAck clears a pending delivery. An ACK only counts when it arrives on
// the same connection the DELIVER went to; anything else is dropped quietly.
func (r *Router) HandleAck(c model.Conn, env *model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ackID := env.Ack.AckID
	p, ok := r.pending[ackID]
	if !ok {
		r.log.Debug("ACK_UNKNOWN", "ack_id", ackID, "conn_id", c.ID())
		return
	}
	if p.connID != c.ID() {
		r.log.Debug("ACK_WRONG_CONNECTION",
			"ack_id", ackID,
			"expected_conn", p.connID,
			"got_conn", c.ID(),
		)
		return
	}

	p.timer.Stop()
	delete(r.pending, ackID)
	r.updateStatusAsync(ackID, model.StatusAcked)

	r.log.Debug("DELIVER_ACKED",
		"envelope_id", ackID,
		"to", p.recipient,
		"attempts", p.attempts,
	)
}

// onRetryTimer drives the per-delivery state machine on each tick:
// TTL elapsed, attempts exhausted, or connection gone end the entry as
// failed; otherwise the same envelope (same id, same seq) goes out again.
func (r *Router) onRetryTimer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	p, ok := r.pending[id]
	if !ok {
		// ACKed or cancelled between fire and lock.
		return
	}

	switch {
	case time.Since(p.firstSent) > r.cfg.deliveryTTL:
		r.dropPendingLocked(id, p, "ttl_elapsed")
	case p.attempts >= r.cfg.maxAttempts:
		r.dropPendingLocked(id, p, "attempts_exhausted")
	case !r.connAliveLocked(p):
		r.dropPendingLocked(id, p, "connection_gone")
	default:
		p.conn.Send(p.env)
		p.attempts++
		p.timer = time.AfterFunc(r.cfg.ackTimeout, func() { r.onRetryTimer(id) })
		r.log.Debug("DELIVER_RETRANSMITTED",
			"envelope_id", id,
			"to", p.recipient,
			"attempt", p.attempts,
		)
	}
}

func (r *Router) dropPendingLocked(id string, p *pendingDelivery, reason string) {
	p.timer.Stop()
	delete(r.pending, id)
	r.updateStatusAsync(id, model.StatusFailed)
	r.log.Warn("DELIVER_DROPPED",
		"envelope_id", id,
		"to", p.recipient,
		"reason", reason,
		"attempts", p.attempts,
	)
}

func (r *Router) connAliveLocked(p *pendingDelivery) bool {
	cur, ok := r.conns[p.connID]
	return ok && cur == p.conn
}

// PendingCount reports the size of the pending map.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) updateStatusAsync(id string, status model.MessageStatus) {
	if r.store == nil {
		return
	}
	store := r.store
	go func() {
		if err := store.UpdateMessageStatus(context.Background(), id, status); err != nil {
			r.log.Error("STATUS_UPDATE_FAILED", "envelope_id", id, "status", string(status), "err", err)
		}
	}()
}

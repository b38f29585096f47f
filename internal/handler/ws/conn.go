package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/webitel/agent-relay/internal/domain/model"
)

// Interface guard
var _ model.Conn = (*peerConn)(nil)

// peerConn is the concrete routable connection behind one WebSocket session.
// Unexported to force interface usage; the router only ever sees model.Conn.
type peerConn struct {
	id        string
	name      string
	entity    model.EntityType
	sessionID string
	meta      model.ConnMeta

	ctx      context.Context
	cancelFn context.CancelFunc

	// sendCh decouples the router from the socket writer. Send never blocks:
	// a full buffer means the transport refuses and the reliability engine
	// takes over.
	sendCh chan *model.Envelope

	// seqMu guards the per-(topic, peer) delivery counters.
	seqMu sync.Mutex
	seqs  map[string]uint64

	droppedCount atomic.Uint64
}

func newPeerConn(parent context.Context, name string, entity model.EntityType, sessionID string, meta model.ConnMeta, bufferSize int) *peerConn {
	ctx, cancel := context.WithCancel(parent)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &peerConn{
		id:        uuid.NewString(),
		name:      name,
		entity:    entity,
		sessionID: sessionID,
		meta:      meta,
		ctx:       ctx,
		cancelFn:  cancel,
		sendCh:    make(chan *model.Envelope, bufferSize),
		seqs:      make(map[string]uint64),
	}
}

func (c *peerConn) ID() string                   { return c.id }
func (c *peerConn) AgentName() string            { return c.name }
func (c *peerConn) EntityType() model.EntityType { return c.entity }
func (c *peerConn) SessionID() string            { return c.sessionID }
func (c *peerConn) Meta() model.ConnMeta         { return c.meta }

// Send pushes an envelope toward the writer pump without blocking.
func (c *peerConn) Send(env *model.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- env:
		return true
	default:
		c.droppedCount.Add(1)
		return false
	}
}

// NextSeq allocates the next delivery sequence on the (topic, peer) stream.
// Strictly increasing, never skipping: the counter only moves here.
func (c *peerConn) NextSeq(topic, peer string) uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	key := topic + "\x00" + peer
	c.seqs[key]++
	return c.seqs[key]
}

// Close terminates the connection context; idempotent. The writer pump and
// read loop both exit on ctx cancellation.
func (c *peerConn) Close() {
	c.cancelFn()
}

// Recv exposes the outbound queue to the writer pump.
func (c *peerConn) Recv() <-chan *model.Envelope { return c.sendCh }

// Done signals connection teardown.
func (c *peerConn) Done() <-chan struct{} { return c.ctx.Done() }

// Dropped reports envelopes refused because the buffer was full.
func (c *peerConn) Dropped() uint64 { return c.droppedCount.Load() }

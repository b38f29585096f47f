package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/agent-relay/internal/domain/model"
)

func TestShadowReceivesOutgoingCopy(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	b := newFakeConn("cb", "B", "sb")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(b)
	r.Register(s)

	r.BindShadow("S", "A", model.ShadowOptions{})

	r.HandleSend(a, sendEnvelope("A", "B", "", "primary talks"))

	require.Equal(t, 1, s.sentCount())
	copyEnv := s.sentAt(0)
	assert.Equal(t, model.TypeDeliver, copyEnv.Type)
	assert.Equal(t, "A", copyEnv.From, "outgoing copy is attributed to the primary")
	assert.Equal(t, "S", copyEnv.To)
	assert.Equal(t, "primary talks", copyEnv.Message.Body)
	assert.Equal(t, true, copyEnv.Message.Data["_shadowCopy"])
	assert.Equal(t, "A", copyEnv.Message.Data["_shadowOf"])
	assert.Equal(t, string(model.ShadowOutgoing), copyEnv.Message.Data["_shadowDirection"])

	// The real recipient's envelope carries no shadow markers.
	require.Equal(t, 1, b.sentCount())
	assert.NotContains(t, b.sentAt(0).Message.Data, "_shadowCopy")

	// Copies never mark the shadow busy, and are never persisted.
	assert.False(t, r.IsProcessing("S"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.saveCount(copyEnv.ID))
}

func TestShadowReceivesIncomingCopyWithActualSender(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	b := newFakeConn("cb", "B", "sb")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(b)
	r.Register(s)

	r.BindShadow("S", "B", model.ShadowOptions{})

	r.HandleSend(a, sendEnvelope("A", "B", "", "to the primary"))

	require.Equal(t, 1, s.sentCount())
	copyEnv := s.sentAt(0)
	assert.Equal(t, "A", copyEnv.From, "incoming copy names the original sender")
	assert.Equal(t, string(model.ShadowIncoming), copyEnv.Message.Data["_shadowDirection"])
	assert.Equal(t, "B", copyEnv.Message.Data["_shadowOf"])
}

func TestShadowDirectionFlagsHonoured(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	b := newFakeConn("cb", "B", "sb")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(b)
	r.Register(s)

	off := false
	r.BindShadow("S", "A", model.ShadowOptions{ReceiveOutgoing: &off})

	// A's outgoing traffic is muted for this shadow...
	r.HandleSend(a, sendEnvelope("A", "B", "", "out"))
	assert.Equal(t, 0, s.sentCount())

	// ...but A's incoming traffic still copies through.
	r.HandleSend(b, sendEnvelope("B", "A", "", "in"))
	require.Equal(t, 1, s.sentCount())
	assert.Equal(t, string(model.ShadowIncoming), s.sentAt(0).Message.Data["_shadowDirection"])
}

func TestShadowNeverEchoesItsOwnTraffic(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(s)

	r.BindShadow("S", "A", model.ShadowOptions{})

	// S sends to its own primary: the direct DELIVER lands on A, but no
	// incoming copy loops back to S.
	r.HandleSend(s, sendEnvelope("S", "A", "", "from the shadow"))

	require.Equal(t, 1, a.sentCount())
	assert.Equal(t, 0, s.sentCount())
}

func TestRebindReplacesPrimary(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	b := newFakeConn("cb", "B", "sb")
	c := newFakeConn("cc", "C", "sc")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(b)
	r.Register(c)
	r.Register(s)

	r.BindShadow("S", "A", model.ShadowOptions{})
	r.BindShadow("S", "B", model.ShadowOptions{})
	assert.Equal(t, 1, r.Stats().Shadows, "one primary per shadow")

	r.HandleSend(a, sendEnvelope("A", "C", "", "old primary"))
	assert.Equal(t, 0, s.sentCount())

	r.HandleSend(b, sendEnvelope("B", "C", "", "new primary"))
	require.Equal(t, 1, s.sentCount())
	assert.Equal(t, "B", s.sentAt(0).Message.Data["_shadowOf"])
}

func TestUnbindShadowStopsCopies(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	b := newFakeConn("cb", "B", "sb")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(b)
	r.Register(s)

	r.BindShadow("S", "A", model.ShadowOptions{})
	r.UnbindShadow("S")

	r.HandleSend(a, sendEnvelope("A", "B", "", "nobody watching"))
	assert.Equal(t, 0, s.sentCount())
	assert.Zero(t, r.Stats().Shadows)
}

func TestEmitShadowTriggerMarksProcessing(t *testing.T) {
	r := newTestRouter(nil, WithAckTimeout(time.Hour))
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	s := newFakeConn("cs", "S", "ss")
	r.Register(a)
	r.Register(s)

	r.BindShadow("S", "A", model.ShadowOptions{})

	r.EmitShadowTrigger("A", model.TriggerExplicitAsk, map[string]any{"question": "thoughts?"})

	require.Equal(t, 1, s.sentCount())
	env := s.sentAt(0)
	assert.Equal(t, SystemOrigin, env.From)
	assert.Equal(t, "SHADOW_TRIGGER:EXPLICIT_ASK", env.Message.Body)
	assert.Equal(t, string(model.TriggerExplicitAsk), env.Message.Data["_shadowTrigger"])
	assert.Equal(t, "A", env.Message.Data["_shadowOf"])
	assert.True(t, r.IsProcessing("S"), "a triggered shadow is expected to respond")
	assert.Equal(t, 1, r.PendingCount(), "trigger deliveries are tracked")
}

func TestEmitShadowTriggerFiltersBySpeakOn(t *testing.T) {
	r := newTestRouter(nil)
	defer r.Shutdown()

	a := newFakeConn("ca", "A", "sa")
	s := newFakeConn("cs", "S", "ss")
	all := newFakeConn("call", "ALL", "sall")
	r.Register(a)
	r.Register(s)
	r.Register(all)

	// Default speak-on set is EXPLICIT_ASK only.
	r.BindShadow("S", "A", model.ShadowOptions{})
	r.BindShadow("ALL", "A", model.ShadowOptions{SpeakOn: []model.ShadowTrigger{model.TriggerAllMessages}})

	r.EmitShadowTrigger("A", model.ShadowTrigger("MESSAGE_OBSERVED"), nil)

	assert.Equal(t, 0, s.sentCount())
	assert.Equal(t, 1, all.sentCount(), "ALL_MESSAGES wildcard matches any trigger")
}

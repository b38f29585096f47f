package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/agent-relay/internal/domain/router"
)

func newTestDirectory(capacity int) *Directory {
	return NewDirectory(capacity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterOrUpdateUpserts(t *testing.T) {
	d := newTestDirectory(10)

	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{
		Name:    "alice",
		Program: "claude",
		Model:   "opus",
	}))

	e, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "claude", e.Program)
	assert.Equal(t, "opus", e.Model)
	assert.False(t, e.FirstSeen.IsZero())
	firstSeen := e.FirstSeen

	// A re-registration with partial metadata keeps the earlier fields.
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{
		Name: "alice",
		Task: "review PR",
	}))

	e, ok = d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "claude", e.Program)
	assert.Equal(t, "review PR", e.Task)
	assert.Equal(t, firstSeen, e.FirstSeen)
	assert.False(t, e.LastSeen.Before(firstSeen))
}

func TestCountersTrackTraffic(t *testing.T) {
	d := newTestDirectory(10)
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "alice"}))

	d.RecordSend("alice")
	d.RecordSend("alice")
	d.RecordReceive("alice")
	d.RecordSend("ghost") // never registered, silently ignored

	e, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Sent)
	assert.Equal(t, uint64(1), e.Received)

	_, ok = d.Lookup("ghost")
	assert.False(t, ok)
}

func TestLookupReturnsCopy(t *testing.T) {
	d := newTestDirectory(10)
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "alice"}))

	e, _ := d.Lookup("alice")
	e.Sent = 999

	again, _ := d.Lookup("alice")
	assert.Zero(t, again.Sent, "callers cannot mutate directory state")
}

func TestSnapshotListsAllEntries(t *testing.T) {
	d := newTestDirectory(10)
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "alice"}))
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "bob"}))

	snap := d.Snapshot()
	require.Len(t, snap, 2)
	names := []string{snap[0].Name, snap[1].Name}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestCapacityBoundEvictsOldest(t *testing.T) {
	d := newTestDirectory(2)
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "a"}))
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "b"}))
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "c"}))

	_, ok := d.Lookup("a")
	assert.False(t, ok, "oldest record is evicted at capacity")
	_, ok = d.Lookup("c")
	assert.True(t, ok)

	// An evicted name simply starts over.
	require.NoError(t, d.RegisterOrUpdate(router.AgentInfo{Name: "a"}))
	e, ok := d.Lookup("a")
	require.True(t, ok)
	assert.Zero(t, e.Sent)
}

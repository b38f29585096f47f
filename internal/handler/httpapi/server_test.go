package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/domain/router"
	"github.com/webitel/agent-relay/internal/registry"
	"github.com/webitel/agent-relay/internal/service"
	"github.com/webitel/agent-relay/internal/storage/sqlite"
)

func newTestAPI(t *testing.T) (*API, *router.Router, *registry.Directory, *sqlite.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := registry.NewDirectory(100, log)
	r := router.New(log, store, dir)
	t.Cleanup(r.Shutdown)

	return NewAPI(log, service.NewRelayService(r), store, dir), r, dir, store
}

func TestHealthz(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestStatsAggregatesAllSources(t *testing.T) {
	api, r, dir, store := newTestAPI(t)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	require.NoError(t, dir.RegisterOrUpdate(router.AgentInfo{Name: "alice", Program: "claude"}))
	r.Subscribe("alice", "news")

	require.NoError(t, store.SaveMessage(context.Background(), &model.MessageRecord{
		ID: "d1", TS: 1, From: "alice", To: "bob",
		Kind: model.KindMessage, Body: "x", Status: model.StatusUnread,
	}))
	require.NoError(t, store.SaveMessage(context.Background(), &model.MessageRecord{
		ID: "d2", TS: 2, From: "alice", To: "bob",
		Kind: model.KindMessage, Body: "y", Status: model.StatusAcked,
	}))

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))

	assert.Equal(t, 1, stats.Router.Topics["news"])
	assert.Equal(t, 1, stats.Messages["unread"])
	assert.Equal(t, 1, stats.Messages["acked"])
	require.Len(t, stats.Agents, 1)
	assert.Equal(t, "alice", stats.Agents[0].Name)
	assert.Equal(t, "claude", stats.Agents[0].Program)
}

func TestUnknownRouteIs404(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Package httpapi exposes the daemon's HTTP surface: the WebSocket upgrade
// endpoint, a liveness probe, and the stats endpoint the dashboard polls.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/handler/ws"
	"github.com/webitel/agent-relay/internal/registry"
	"github.com/webitel/agent-relay/internal/service"
	"github.com/webitel/agent-relay/internal/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// StatsResponse aggregates the live router tables with storage counters and
// the agent directory.
type StatsResponse struct {
	Router   model.RouterStats `json:"router"`
	Messages map[string]int    `json:"messages"`
	Agents   []*registry.Entry `json:"agents"`
}

type API struct {
	logger    *slog.Logger
	relay     service.Relayer
	store     *sqlite.Store
	directory *registry.Directory
	wsHandler *ws.Handler
}

func NewAPI(logger *slog.Logger, relay service.Relayer, store *sqlite.Store, directory *registry.Directory) *API {
	return &API{
		logger:    logger,
		relay:     relay,
		store:     store,
		directory: directory,
		wsHandler: ws.NewHandler(logger, relay),
	}
}

// Routes assembles the chi mux.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Handle("/ws", a.wsHandler)
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStats gathers the independent sources concurrently; a slow SQLite
// count must not delay the in-memory snapshot and vice versa.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		resp.Router = a.relay.Stats()
		return nil
	})
	g.Go(func() error {
		counts, err := a.store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		resp.Messages = make(map[string]int, len(counts))
		for status, n := range counts {
			resp.Messages[string(status)] = n
		}
		return nil
	})
	g.Go(func() error {
		resp.Agents = a.directory.Snapshot()
		return nil
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("STATS_GATHER_FAILED", "err", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		a.logger.Error("STATS_ENCODE_FAILED", "err", err)
	}
}

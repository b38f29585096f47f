/*
Package router implements the relay core: the component that owns the name
registry, subscription and channel tables, the shadow graph, per-stream
sequence assignment, the pending-delivery tracker with its retry state
machine, and the local/broadcast/channel/cross-machine dispatch decision.

Concurrency model: one logical actor. Every public method takes the single
router mutex for its whole critical section, so no caller can observe a
half-updated table. Transport sends are non-blocking, persistence and the
cross-machine bridge complete asynchronously outside the lock.
*/
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/agent-relay/internal/domain/model"
)

// SystemOrigin is the `from` used by daemon-originated envelopes.
const SystemOrigin = "system"

// DefaultTopic keys sequence streams for envelopes without an explicit topic.
const DefaultTopic = "default"

// Store is the persistence collaborator. Calls are fire-and-forget from the
// router's point of view; errors are logged, never propagated.
type Store interface {
	SaveMessage(ctx context.Context, rec *model.MessageRecord) error
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error
}

// ReplaySource is the optional store capability enabling replay on resume.
type ReplaySource interface {
	PendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*model.MessageRecord, error)
}

// AgentInfo is the metadata reported to the agent directory on registration.
type AgentInfo struct {
	Name             string
	CLI              string
	Program          string
	Model            string
	Task             string
	WorkingDirectory string
}

// AgentDirectory is the agent-registry collaborator (last-seen, counters).
type AgentDirectory interface {
	RegisterOrUpdate(info AgentInfo) error
	RecordSend(name string)
	RecordReceive(name string)
}

// RemoteAgent describes a peer living on another daemon.
type RemoteAgent struct {
	Name       string
	Status     string
	DaemonID   string
	DaemonName string
	MachineID  string
}

// CrossMeta carries the envelope attributes forwarded alongside a
// cross-machine send.
type CrossMeta struct {
	Topic      string
	Thread     string
	Kind       model.PayloadKind
	Data       map[string]any
	OriginalID string
}

// CrossMachineHandler forwards envelopes to agents on remote daemons.
// Local routing always wins; the router consults it only for names absent
// from its own tables.
type CrossMachineHandler interface {
	IsRemoteAgent(name string) (*RemoteAgent, bool)
	SendCrossMachineMessage(ctx context.Context, daemonID, targetAgent, fromAgent, body string, meta CrossMeta) error
}

// ProcessingObserver is notified whenever the processing map mutates.
// OnChange runs inside the router's critical section and must not call back.
type ProcessingObserver interface {
	OnChange()
}

// Router is the relay core. Create one per daemon with New; it is an injected
// dependency, never a process global.
type Router struct {
	mu  sync.Mutex
	log *slog.Logger
	cfg settings

	conns  map[string]model.Conn // connection id -> connection
	agents map[string]model.Conn // agent name -> connection
	users  map[string]model.Conn // user name -> connection

	subs           map[string]map[string]struct{} // topic -> subscriber names
	channels       map[string]map[string]struct{} // channel -> member names
	memberChannels map[string]map[string]struct{} // member name -> channels

	shadowsOf map[string][]*model.ShadowConfig // primary -> shadow bindings
	primaryOf map[string]*model.ShadowConfig   // shadow -> its binding

	pending    map[string]*pendingDelivery
	processing map[string]*processingEntry

	store     Store
	directory AgentDirectory
	remote    CrossMachineHandler
	observer  ProcessingObserver

	startedAt time.Time
	closed    bool
}

// New builds a router around its collaborators. store and directory may be
// nil (persistence and metrics disabled); the cross-machine handler is
// installed later via SetCrossMachineHandler.
func New(log *slog.Logger, store Store, directory AgentDirectory, opts ...Option) *Router {
	r := &Router{
		log:            log,
		cfg:            defaultSettings(),
		conns:          make(map[string]model.Conn),
		agents:         make(map[string]model.Conn),
		users:          make(map[string]model.Conn),
		subs:           make(map[string]map[string]struct{}),
		channels:       make(map[string]map[string]struct{}),
		memberChannels: make(map[string]map[string]struct{}),
		shadowsOf:      make(map[string][]*model.ShadowConfig),
		primaryOf:      make(map[string]*model.ShadowConfig),
		pending:        make(map[string]*pendingDelivery),
		processing:     make(map[string]*processingEntry),
		store:          store,
		directory:      directory,
		startedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(&r.cfg)
	}
	return r
}

// SetCrossMachineHandler installs (or replaces) the cross-machine bridge.
func (r *Router) SetCrossMachineHandler(h CrossMachineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = h
}

// SetProcessingObserver installs the processing-change hook.
func (r *Router) SetProcessingObserver(o ProcessingObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register inserts a connection into the connection set and, when it carries
// a name, into the agent or user table. A different connection already
// holding that name is evicted and closed. Registering the same connection
// twice is a no-op. Registration never fails.
func (r *Router) Register(c model.Conn) {
	var evicted model.Conn

	r.mu.Lock()
	r.conns[c.ID()] = c

	name := c.AgentName()
	if name != "" {
		table := r.tableFor(c.EntityType())
		if prev, ok := table[name]; ok && prev.ID() != c.ID() {
			delete(r.conns, prev.ID())
			evicted = prev
		}
		table[name] = c
	}
	r.mu.Unlock()

	if evicted != nil {
		r.log.Info("DUPLICATE_NAME_EVICTED",
			"name", name,
			"old_conn", evicted.ID(),
			"new_conn", c.ID(),
		)
		evicted.Close()
	}

	if name == "" {
		return
	}

	if c.EntityType() == model.EntityAgent && r.directory != nil {
		meta := c.Meta()
		if err := r.directory.RegisterOrUpdate(AgentInfo{
			Name:             name,
			CLI:              meta.CLI,
			Program:          meta.Program,
			Model:            meta.Model,
			Task:             meta.Task,
			WorkingDirectory: meta.WorkingDirectory,
		}); err != nil {
			// Registration stands regardless.
			r.log.Warn("DIRECTORY_UPDATE_FAILED", "name", name, "err", err)
		}
	}

	r.log.Info("CONNECTION_REGISTERED",
		"name", name,
		"entity", c.EntityType().String(),
		"conn_id", c.ID(),
		"session_id", c.SessionID(),
	)

	if _, ok := r.store.(ReplaySource); ok && r.store != nil {
		go r.ReplayPending(c)
	}
}

// Unregister removes the connection and scrubs its name from every table:
// subscriptions, channels (remaining members get a leave notice), shadow
// bindings on either side, processing state, and its pending deliveries.
func (r *Router) Unregister(c model.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.ID()]; !ok || cur != c {
		// Already replaced or gone.
		return
	}
	delete(r.conns, c.ID())

	name := c.AgentName()
	if name == "" {
		return
	}

	table := r.tableFor(c.EntityType())
	if cur, ok := table[name]; ok && cur.ID() == c.ID() {
		delete(table, name)
	} else {
		// A replacement owns the name now; leave its tables alone.
		return
	}

	for topic, set := range r.subs {
		delete(set, name)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}

	for channel := range r.memberChannels[name] {
		r.removeFromChannelLocked(channel, name)
	}
	delete(r.memberChannels, name)

	r.unbindShadowLocked(name)
	delete(r.shadowsOf, name)
	for shadow, cfg := range r.primaryOf {
		if cfg.PrimaryAgent == name {
			delete(r.primaryOf, shadow)
		}
	}

	r.clearProcessingLocked(name)

	for id, p := range r.pending {
		if p.connID == c.ID() {
			p.timer.Stop()
			delete(r.pending, id)
		}
	}

	r.log.Info("CONNECTION_UNREGISTERED", "name", name, "conn_id", c.ID())
}

// Subscribe adds name to the topic's subscriber set.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		r.subs[topic] = set
	}
	set[name] = struct{}{}
}

// Unsubscribe removes name from the topic's subscriber set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[topic]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Route is the inbound entry point, branched on envelope type.
func (r *Router) Route(c model.Conn, env *model.Envelope) {
	if err := env.Validate(); err != nil {
		r.log.Warn("ENVELOPE_REJECTED", "conn_id", c.ID(), "err", err)
		return
	}

	switch env.Type {
	case model.TypeSend:
		r.HandleSend(c, env)
	case model.TypeAck:
		r.HandleAck(c, env)
	case model.TypeChannelJoin:
		r.JoinChannel(c, env.Channel.Channel)
	case model.TypeChannelLeave:
		r.LeaveChannel(c, env.Channel.Channel)
	case model.TypeChannelMessage:
		r.HandleChannelMessage(c, env)
	default:
		r.log.Warn("ENVELOPE_TYPE_UNROUTABLE", "type", string(env.Type), "conn_id", c.ID())
	}
}

// Stats returns a snapshot of the router tables.
func (r *Router) Stats() model.RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := model.RouterStats{
		Agents:   make([]string, 0, len(r.agents)),
		Users:    make([]string, 0, len(r.users)),
		Topics:   make(map[string]int, len(r.subs)),
		Channels: make(map[string]int, len(r.channels)),
		Shadows:  len(r.primaryOf),
		Pending:  len(r.pending),
		Uptime:   time.Since(r.startedAt),
	}
	for name := range r.agents {
		st.Agents = append(st.Agents, name)
	}
	for name := range r.users {
		st.Users = append(st.Users, name)
	}
	for topic, set := range r.subs {
		st.Topics[topic] = len(set)
	}
	for channel, set := range r.channels {
		st.Channels[channel] = len(set)
	}
	st.Processing = make([]string, 0, len(r.processing))
	for name := range r.processing {
		st.Processing = append(st.Processing, name)
	}
	return st
}

// Shutdown stops every tracked timer and refuses further retries. Connections
// themselves are closed by their transports.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
	for name, e := range r.processing {
		e.timer.Stop()
		delete(r.processing, name)
	}
	r.log.Info("ROUTER_SHUTDOWN", "uptime", time.Since(r.startedAt).String())
}

func (r *Router) tableFor(t model.EntityType) map[string]model.Conn {
	if t == model.EntityUser {
		return r.users
	}
	return r.agents
}

// lookupLocal resolves a direct-send target. Agents win over users; the two
// tables are disjoint namespaces sharing the connection set.
func (r *Router) lookupLocalLocked(name string) (model.Conn, bool) {
	if c, ok := r.agents[name]; ok {
		return c, true
	}
	if c, ok := r.users[name]; ok {
		return c, true
	}
	return nil, false
}

// agentNamesLocked lists the broadcast audience. Users are deliberately
// excluded from fan-out; they remain reachable as direct targets only.
func (r *Router) agentNamesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

func (r *Router) notifyProcessingLocked() {
	if r.observer != nil {
		r.observer.OnChange()
	}
}

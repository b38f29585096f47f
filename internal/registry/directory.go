// Package registry keeps the agent-directory metadata: who has registered,
// what they run, and their send/receive counters. It is a collaborator of
// the router core, not part of it.
package registry

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/agent-relay/internal/domain/router"
)

// Interface guard
var _ router.AgentDirectory = (*Directory)(nil)

// Entry is one agent's directory record.
type Entry struct {
	Name             string    `json:"name"`
	CLI              string    `json:"cli,omitempty"`
	Program          string    `json:"program,omitempty"`
	Model            string    `json:"model,omitempty"`
	Task             string    `json:"task,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Sent             uint64    `json:"sent"`
	Received         uint64    `json:"received"`
}

// Directory is an in-memory agent registry. The record set is LRU-bounded so
// an unbounded churn of ephemeral agent names cannot grow memory without
// limit; evicted records simply start over on their next registration.
type Directory struct {
	// mu guards Entry mutation; the LRU itself is already thread-safe but
	// counter bumps and the stats snapshot race without it.
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	log     *slog.Logger
}

// NewDirectory pre-allocates the bounded record cache.
func NewDirectory(capacity int, log *slog.Logger) *Directory {
	if capacity <= 0 {
		capacity = 10000
	}
	cache, _ := lru.New[string, *Entry](capacity)
	return &Directory{entries: cache, log: log}
}

// RegisterOrUpdate upserts the agent's metadata and refreshes last-seen.
func (d *Directory) RegisterOrUpdate(info router.AgentInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	e, ok := d.entries.Get(info.Name)
	if !ok {
		e = &Entry{Name: info.Name, FirstSeen: now}
	}
	if info.CLI != "" {
		e.CLI = info.CLI
	}
	if info.Program != "" {
		e.Program = info.Program
	}
	if info.Model != "" {
		e.Model = info.Model
	}
	if info.Task != "" {
		e.Task = info.Task
	}
	if info.WorkingDirectory != "" {
		e.WorkingDirectory = info.WorkingDirectory
	}
	e.LastSeen = now
	d.entries.Add(info.Name, e)

	d.log.Debug("DIRECTORY_UPSERT", "name", info.Name, "program", info.Program)
	return nil
}

// RecordSend bumps the agent's outbound counter.
func (d *Directory) RecordSend(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries.Get(name); ok {
		e.Sent++
		e.LastSeen = time.Now()
	}
}

// RecordReceive bumps the agent's inbound counter.
func (d *Directory) RecordReceive(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries.Get(name); ok {
		e.Received++
		e.LastSeen = time.Now()
	}
}

// Lookup returns the record for one agent.
func (d *Directory) Lookup(name string) (*Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries.Get(name); ok {
		cp := *e
		return &cp, true
	}
	return nil, false
}

// Snapshot lists every cached record, for the stats surface.
func (d *Directory) Snapshot() []*Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := d.entries.Keys()
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := d.entries.Peek(k); ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

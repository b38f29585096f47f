// Package bridge forwards envelopes between relay daemons over the AMQP bus
// and keeps a directory of remote agents fed by presence heartbeats. It is
// the router's CrossMachineHandler: local routing always wins, the bridge is
// only consulted for names no local table knows.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker/v2"
	"github.com/webitel/agent-relay/internal/domain/router"
)

// Interface guard
var _ router.CrossMachineHandler = (*Bridge)(nil)

// remoteEntry is one remote agent plus the heartbeat that reported it.
type remoteEntry struct {
	agent    router.RemoteAgent
	lastSeen time.Time
}

// Bridge implements cross-machine forwarding for one daemon.
type Bridge struct {
	log        *slog.Logger
	daemonID   string
	daemonName string
	machineID  string

	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]

	// staleAfter bounds how long a remote agent survives without a heartbeat.
	staleAfter time.Duration

	mu      sync.RWMutex
	remotes map[string]remoteEntry // agent name -> origin daemon
}

// New wires a bridge around an AMQP publisher. Consumption is registered
// separately via RegisterHandlers.
func New(log *slog.Logger, pub message.Publisher, daemonID, daemonName, machineID string, staleAfter time.Duration) *Bridge {
	if staleAfter <= 0 {
		staleAfter = 45 * time.Second
	}
	b := &Bridge{
		log:        log,
		daemonID:   daemonID,
		daemonName: daemonName,
		machineID:  machineID,
		publisher:  pub,
		staleAfter: staleAfter,
		remotes:    make(map[string]remoteEntry),
	}
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "bridge-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("BRIDGE_BREAKER_STATE", "from", from.String(), "to", to.String())
		},
	})
	return b
}

// IsRemoteAgent resolves a name against the presence directory. Agents
// announced by this daemon itself, or not refreshed within the stale window,
// do not count.
func (b *Bridge) IsRemoteAgent(name string) (*router.RemoteAgent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.remotes[name]
	if !ok {
		return nil, false
	}
	if e.agent.DaemonID == b.daemonID {
		return nil, false
	}
	if time.Since(e.lastSeen) > b.staleAfter {
		return nil, false
	}
	agent := e.agent
	return &agent, true
}

// SendCrossMachineMessage publishes one directed envelope onto the target
// daemon's topic. The circuit breaker turns a dead broker into a fast
// failure; the router logs it and moves on (no router-level retry).
func (b *Bridge) SendCrossMachineMessage(ctx context.Context, daemonID, targetAgent, fromAgent, body string, meta router.CrossMeta) error {
	env := crossEnvelope{
		OriginalID:     meta.OriginalID,
		From:           fromAgent,
		FromDaemonID:   b.daemonID,
		FromDaemonName: b.daemonName,
		To:             targetAgent,
		Body:           body,
		Topic:          meta.Topic,
		Thread:         meta.Thread,
		Kind:           meta.Kind,
		Data:           meta.Data,
		SentAt:         time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: marshal cross envelope %s: %w", meta.OriginalID, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("x-origin-daemon", b.daemonID)

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.publisher.Publish(CrossTopic(daemonID), msg)
	})
	if err != nil {
		return fmt.Errorf("bridge: publish to %s: %w", CrossTopic(daemonID), err)
	}
	return nil
}

// AnnouncePresence publishes this daemon's heartbeat with its current agent
// roster.
func (b *Bridge) AnnouncePresence(ctx context.Context, agents []string) error {
	ann := presenceAnnouncement{
		DaemonID:   b.daemonID,
		DaemonName: b.daemonName,
		MachineID:  b.machineID,
		Agents:     agents,
		SentAt:     time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("bridge: marshal presence: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.publisher.Publish(PresenceTopic, msg)
	})
	return err
}

// absorbPresence folds one remote heartbeat into the directory and prunes
// entries that daemon no longer announces.
func (b *Bridge) absorbPresence(ann *presenceAnnouncement) {
	if ann.DaemonID == b.daemonID {
		return
	}

	now := time.Now()
	announced := make(map[string]struct{}, len(ann.Agents))

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range ann.Agents {
		announced[name] = struct{}{}
		b.remotes[name] = remoteEntry{
			agent: router.RemoteAgent{
				Name:       name,
				Status:     "online",
				DaemonID:   ann.DaemonID,
				DaemonName: ann.DaemonName,
				MachineID:  ann.MachineID,
			},
			lastSeen: now,
		}
	}

	for name, e := range b.remotes {
		if e.agent.DaemonID != ann.DaemonID {
			continue
		}
		if _, still := announced[name]; !still {
			delete(b.remotes, name)
		}
	}
}

// pruneStale drops every remote entry whose daemon went quiet.
func (b *Bridge) pruneStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.staleAfter)
	for name, e := range b.remotes {
		if e.lastSeen.Before(cutoff) {
			delete(b.remotes, name)
		}
	}
}

// RemoteCount reports directory size (stats surface).
func (b *Bridge) RemoteCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.remotes)
}

package bridge

import (
	"fmt"

	"github.com/webitel/agent-relay/internal/domain/model"
)

const (
	// CrossTopicPrefix: directed envelopes land on the target daemon's topic.
	CrossTopicPrefix = "relay.cross"
	// PresenceTopic carries every daemon's agent announcements.
	PresenceTopic = "relay.presence"
)

// CrossTopic names the AMQP exchange a specific daemon consumes.
func CrossTopic(daemonID string) string {
	return fmt.Sprintf("%s.%s", CrossTopicPrefix, daemonID)
}

// crossEnvelope is the bus shape of one forwarded SEND.
type crossEnvelope struct {
	OriginalID     string            `json:"original_id"`
	From           string            `json:"from"`
	FromDaemonID   string            `json:"from_daemon_id"`
	FromDaemonName string            `json:"from_daemon_name"`
	To             string            `json:"to"`
	Body           string            `json:"body"`
	Topic          string            `json:"topic,omitempty"`
	Thread         string            `json:"thread,omitempty"`
	Kind           model.PayloadKind `json:"kind,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	SentAt         int64             `json:"sent_at"`
}

// presenceAnnouncement is one daemon's heartbeat: its identity plus the
// agents currently registered with it.
type presenceAnnouncement struct {
	DaemonID   string   `json:"daemon_id"`
	DaemonName string   `json:"daemon_name"`
	MachineID  string   `json:"machine_id"`
	Agents     []string `json:"agents"`
	SentAt     int64    `json:"sent_at"`
}

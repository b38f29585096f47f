// Package storage defines the persistence surface the relay core writes
// delivered envelopes through. The router treats every call as
// fire-and-forget: storage errors are logged and never undo in-memory state.
package storage

import (
	"context"

	"github.com/webitel/agent-relay/internal/domain/model"
)

// MessageStore is the mandatory persistence contract.
type MessageStore interface {
	// SaveMessage stores one row per DELIVER envelope id. Re-saving an id
	// must be a no-op.
	SaveMessage(ctx context.Context, rec *model.MessageRecord) error

	// UpdateMessageStatus transitions a stored row between
	// unread / acked / failed.
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error
}

// ReplayStore is the optional capability backing replay on session resume.
// Implementations return unacked rows for (agent, session) in insertion
// order.
type ReplayStore interface {
	MessageStore
	PendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*model.MessageRecord, error)
}

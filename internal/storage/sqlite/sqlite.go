// Package sqlite backs the relay's message store with an embedded SQLite
// database. One daemon owns one file; WAL mode keeps the router's
// fire-and-forget writes from stalling reads.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/storage"
)

// Interface guard
var _ storage.ReplayStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	ts                  INTEGER NOT NULL,
	from_name           TEXT NOT NULL DEFAULT '',
	to_name             TEXT NOT NULL DEFAULT '',
	topic               TEXT NOT NULL DEFAULT '',
	kind                TEXT NOT NULL DEFAULT 'message',
	body                TEXT NOT NULL DEFAULT '',
	thread              TEXT NOT NULL DEFAULT '',
	data                TEXT NOT NULL DEFAULT '{}',
	delivery_seq        INTEGER NOT NULL DEFAULT 0,
	delivery_session_id TEXT NOT NULL DEFAULT '',
	session_id          TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'unread',
	is_urgent           INTEGER NOT NULL DEFAULT 0,
	is_broadcast        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_session
	ON messages (to_name, session_id, status);
`

// Store is the SQLite-backed message store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	// A single writer keeps the driver's lock handling simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveMessage inserts one row per envelope id; duplicate ids are ignored so
// the at-most-once persistence invariant holds even on redundant calls.
func (s *Store) SaveMessage(ctx context.Context, rec *model.MessageRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("save message %s: encode data: %w", rec.ID, err)
	}

	status := rec.Status
	if status == "" {
		status = model.StatusUnread
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, ts, from_name, to_name, topic, kind, body, thread, data,
			 delivery_seq, delivery_session_id, session_id, status,
			 is_urgent, is_broadcast)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TS, rec.From, rec.To, rec.Topic, string(rec.Kind),
		rec.Body, rec.Thread, string(data),
		rec.DeliverySeq, rec.DeliverySessionID, rec.SessionID, string(status),
		boolInt(rec.IsUrgent), boolInt(rec.IsBroadcast),
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateMessageStatus moves a stored row to unread/acked/failed. Updating an
// unknown id is not an error; the row may never have been persisted
// (shadow copies are tracked but not stored).
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status %s -> %s: %w", id, status, err)
	}
	return nil
}

// PendingMessagesForSession returns the unacked rows for (agent, session) in
// insertion order, enabling replay on resume.
func (s *Store) PendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*model.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, from_name, to_name, topic, kind, body, thread, data,
		       delivery_seq, delivery_session_id, session_id, status,
		       is_urgent, is_broadcast
		FROM messages
		WHERE to_name = ? AND session_id = ? AND status = ?
		ORDER BY rowid`,
		agentName, sessionID, string(model.StatusUnread),
	)
	if err != nil {
		return nil, fmt.Errorf("pending for %s/%s: %w", agentName, sessionID, err)
	}
	defer rows.Close()

	var out []*model.MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus reports stored row counts, feeding the stats endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.MessageStatus(status)] = n
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (*model.MessageRecord, error) {
	var (
		rec                   model.MessageRecord
		kind, status, data    string
		isUrgent, isBroadcast int
	)
	if err := rows.Scan(
		&rec.ID, &rec.TS, &rec.From, &rec.To, &rec.Topic, &kind,
		&rec.Body, &rec.Thread, &data,
		&rec.DeliverySeq, &rec.DeliverySessionID, &rec.SessionID, &status,
		&isUrgent, &isBroadcast,
	); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	rec.Kind = model.PayloadKind(kind)
	rec.Status = model.MessageStatus(status)
	rec.IsUrgent = isUrgent != 0
	rec.IsBroadcast = isBroadcast != 0
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("decode data for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package model

// MessageStatus is the persisted delivery state of one stored envelope.
type MessageStatus string

const (
	StatusUnread MessageStatus = "unread"
	StatusAcked  MessageStatus = "acked"
	StatusFailed MessageStatus = "failed"
)

// MessageRecord is the row shape handed to the persistence collaborator.
// One row per DELIVER envelope id.
type MessageRecord struct {
	ID     string
	TS     int64
	From   string
	To     string
	Topic  string
	Kind   PayloadKind
	Body   string
	Thread string
	Data   map[string]any

	DeliverySeq       uint64
	DeliverySessionID string
	SessionID         string

	Status      MessageStatus
	IsUrgent    bool
	IsBroadcast bool
}

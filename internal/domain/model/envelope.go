package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire envelope version this daemon speaks.
const ProtocolVersion = 1

// BroadcastTarget is the reserved `to` value addressing every agent.
const BroadcastTarget = "*"

// EnvelopeType discriminates the wire envelope kinds.
type EnvelopeType string

const (
	TypeSend           EnvelopeType = "SEND"
	TypeDeliver        EnvelopeType = "DELIVER"
	TypeAck            EnvelopeType = "ACK"
	TypeChannelJoin    EnvelopeType = "CHANNEL_JOIN"
	TypeChannelLeave   EnvelopeType = "CHANNEL_LEAVE"
	TypeChannelMessage EnvelopeType = "CHANNEL_MESSAGE"
)

// PayloadKind classifies the business content of SEND/DELIVER payloads.
type PayloadKind string

const (
	KindMessage PayloadKind = "message"
	KindAction  PayloadKind = "action"
)

// MessagePayload is the payload variant for SEND and DELIVER.
type MessagePayload struct {
	Kind   PayloadKind    `json:"kind"`
	Body   string         `json:"body,omitempty"`
	Thread string         `json:"thread,omitempty"`
	// Data is an open mapping; unknown keys are preserved end to end.
	Data map[string]any `json:"data,omitempty"`
}

// AckPayload is the payload variant for ACK.
type AckPayload struct {
	AckID string `json:"ack_id"`
	Seq   uint64 `json:"seq"`
}

// ChannelPayload is the payload variant for CHANNEL_JOIN/LEAVE/MESSAGE.
type ChannelPayload struct {
	Channel  string         `json:"channel"`
	Body     string         `json:"body,omitempty"`
	Mentions []string       `json:"mentions,omitempty"`
	Thread   string         `json:"thread,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Delivery carries the per-stream ordering metadata attached to DELIVER only.
type Delivery struct {
	Seq        uint64 `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo,omitempty"`
}

// Envelope is the single wire unit exchanged between a peer and the daemon.
//
// Exactly one of Message, Ack, Channel is non-nil, matching Type; the raw
// JSON form keeps them under the shared "payload" key.
type Envelope struct {
	V     int          `json:"v"`
	Type  EnvelopeType `json:"type"`
	ID    string       `json:"id"`
	TS    int64        `json:"ts"`
	From  string       `json:"from,omitempty"`
	To    string       `json:"to,omitempty"`
	Topic string       `json:"topic,omitempty"`

	Message *MessagePayload `json:"-"`
	Ack     *AckPayload     `json:"-"`
	Channel *ChannelPayload `json:"-"`

	// Delivery is present on DELIVER envelopes only.
	Delivery *Delivery `json:"delivery,omitempty"`
}

// envelopeJSON is the raw wire shape with the untyped payload slot.
type envelopeJSON struct {
	V        int             `json:"v"`
	Type     EnvelopeType    `json:"type"`
	ID       string          `json:"id"`
	TS       int64           `json:"ts"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Delivery *Delivery       `json:"delivery,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	raw := envelopeJSON{
		V:        e.V,
		Type:     e.Type,
		ID:       e.ID,
		TS:       e.TS,
		From:     e.From,
		To:       e.To,
		Topic:    e.Topic,
		Delivery: e.Delivery,
	}

	var payload any
	switch e.Type {
	case TypeSend, TypeDeliver:
		payload = e.Message
	case TypeAck:
		payload = e.Ack
	case TypeChannelJoin, TypeChannelLeave, TypeChannelMessage:
		payload = e.Channel
	default:
		return nil, fmt.Errorf("envelope %s: unknown type %q", e.ID, e.Type)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("envelope %s: marshal payload: %w", e.ID, err)
		}
		raw.Payload = data
	}

	return json.Marshal(raw)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.V = raw.V
	e.Type = raw.Type
	e.ID = raw.ID
	e.TS = raw.TS
	e.From = raw.From
	e.To = raw.To
	e.Topic = raw.Topic
	e.Delivery = raw.Delivery
	e.Message, e.Ack, e.Channel = nil, nil, nil

	if len(raw.Payload) == 0 {
		return nil
	}

	switch raw.Type {
	case TypeSend, TypeDeliver:
		e.Message = &MessagePayload{}
		return json.Unmarshal(raw.Payload, e.Message)
	case TypeAck:
		e.Ack = &AckPayload{}
		return json.Unmarshal(raw.Payload, e.Ack)
	case TypeChannelJoin, TypeChannelLeave, TypeChannelMessage:
		e.Channel = &ChannelPayload{}
		return json.Unmarshal(raw.Payload, e.Channel)
	default:
		return fmt.Errorf("envelope %s: unknown type %q", raw.ID, raw.Type)
	}
}

// Validate rejects envelopes that mix payload variants across kinds,
// e.g. a `delivery` block on anything but DELIVER.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	if e.Delivery != nil && e.Type != TypeDeliver {
		return fmt.Errorf("envelope %s: delivery block not allowed on %s", e.ID, e.Type)
	}

	switch e.Type {
	case TypeSend, TypeDeliver:
		if e.Message == nil {
			return fmt.Errorf("envelope %s: %s requires a message payload", e.ID, e.Type)
		}
		if e.Type == TypeDeliver && e.Delivery == nil {
			return fmt.Errorf("envelope %s: DELIVER requires a delivery block", e.ID)
		}
	case TypeAck:
		if e.Ack == nil || e.Ack.AckID == "" {
			return fmt.Errorf("envelope %s: ACK requires ack_id", e.ID)
		}
	case TypeChannelJoin, TypeChannelLeave, TypeChannelMessage:
		if e.Channel == nil || e.Channel.Channel == "" {
			return fmt.Errorf("envelope %s: %s requires a channel", e.ID, e.Type)
		}
	default:
		return fmt.Errorf("envelope %s: unknown type %q", e.ID, e.Type)
	}
	return nil
}

// NewSend builds a client-origin SEND envelope. Mostly used by tests and the
// system broadcaster; real peers produce these on the wire.
func NewSend(from, to, topic string, payload *MessagePayload) *Envelope {
	return &Envelope{
		V:       ProtocolVersion,
		Type:    TypeSend,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		From:    from,
		To:      to,
		Topic:   topic,
		Message: payload,
	}
}

// CloneData returns a shallow copy of the payload data map so router-side
// marker keys never mutate the sender's view.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data)+4)
	for k, v := range data {
		out[k] = v
	}
	return out
}

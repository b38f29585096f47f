package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalSendEnvelope(t *testing.T) {
	raw := `{
		"v": 1,
		"type": "SEND",
		"id": "m-123",
		"ts": 1700000000000,
		"from": "alice",
		"to": "bob",
		"topic": "ops",
		"payload": {
			"kind": "message",
			"body": "ship it",
			"thread": "release",
			"data": {"ticket": "OPS-7", "urgent": true}
		}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	require.NoError(t, env.Validate())

	assert.Equal(t, TypeSend, env.Type)
	assert.Equal(t, "m-123", env.ID)
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, "bob", env.To)
	assert.Equal(t, "ops", env.Topic)
	require.NotNil(t, env.Message)
	assert.Equal(t, KindMessage, env.Message.Kind)
	assert.Equal(t, "ship it", env.Message.Body)
	assert.Equal(t, "release", env.Message.Thread)
	assert.Equal(t, "OPS-7", env.Message.Data["ticket"])
	assert.Equal(t, true, env.Message.Data["urgent"])
	assert.Nil(t, env.Ack)
	assert.Nil(t, env.Channel)
}

func TestUnmarshalAckEnvelope(t *testing.T) {
	raw := `{"v":1,"type":"ACK","id":"a-1","ts":1,"payload":{"ack_id":"d-9","seq":4}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	require.NoError(t, env.Validate())

	require.NotNil(t, env.Ack)
	assert.Equal(t, "d-9", env.Ack.AckID)
	assert.Equal(t, uint64(4), env.Ack.Seq)
	assert.Nil(t, env.Message)
}

func TestUnmarshalChannelEnvelope(t *testing.T) {
	raw := `{"v":1,"type":"CHANNEL_MESSAGE","id":"c-1","ts":1,"from":"alice",
		"payload":{"channel":"standup","body":"done with review","mentions":["bob"]}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	require.NoError(t, env.Validate())

	require.NotNil(t, env.Channel)
	assert.Equal(t, "standup", env.Channel.Channel)
	assert.Equal(t, []string{"bob"}, env.Channel.Mentions)
}

func TestUnmarshalUnknownTypeFails(t *testing.T) {
	raw := `{"v":1,"type":"TELEPORT","id":"x-1","payload":{"body":"?"}}`

	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(raw), &env))
}

func TestMarshalDeliverRoundTrip(t *testing.T) {
	in := &Envelope{
		V:     ProtocolVersion,
		Type:  TypeDeliver,
		ID:    "d-1",
		TS:    1700000000000,
		From:  "alice",
		To:    "bob",
		Topic: "ops",
		Message: &MessagePayload{
			Kind: KindMessage,
			Body: "incoming",
			Data: map[string]any{"k": "v"},
		},
		Delivery: &Delivery{Seq: 7, SessionID: "sess-1", OriginalTo: "*"},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	// The payload variant must live under the shared "payload" key.
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &shape))
	assert.Contains(t, shape, "payload")
	assert.Contains(t, shape, "delivery")

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	require.NoError(t, out.Validate())
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "incoming", out.Message.Body)
	require.NotNil(t, out.Delivery)
	assert.Equal(t, uint64(7), out.Delivery.Seq)
	assert.Equal(t, "sess-1", out.Delivery.SessionID)
	assert.Equal(t, "*", out.Delivery.OriginalTo)
}

func TestValidateRejectsDeliveryBlockOnSend(t *testing.T) {
	env := NewSend("alice", "bob", "", &MessagePayload{Kind: KindMessage, Body: "hi"})
	env.Delivery = &Delivery{Seq: 1, SessionID: "s"}

	err := env.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery block")
}

func TestValidateRejectsMissingPieces(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
	}{
		{"missing id", &Envelope{V: 1, Type: TypeSend, Message: &MessagePayload{}}},
		{"send without payload", &Envelope{V: 1, Type: TypeSend, ID: "x"}},
		{"deliver without delivery block", &Envelope{V: 1, Type: TypeDeliver, ID: "x", Message: &MessagePayload{}}},
		{"ack without ack_id", &Envelope{V: 1, Type: TypeAck, ID: "x", Ack: &AckPayload{}}},
		{"channel op without channel", &Envelope{V: 1, Type: TypeChannelJoin, ID: "x", Channel: &ChannelPayload{}}},
		{"unknown type", &Envelope{V: 1, Type: "WARP", ID: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.env.Validate())
		})
	}
}

func TestUnknownDataKeysSurviveRoundTrip(t *testing.T) {
	raw := `{"v":1,"type":"SEND","id":"m-1","ts":1,"from":"a","to":"b",
		"payload":{"kind":"action","body":"","data":{"_custom":{"nested":[1,2,3]}}}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	out, err := json.Marshal(&env)
	require.NoError(t, err)

	var again Envelope
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, env.Message.Data, again.Message.Data)
	assert.Equal(t, KindAction, again.Message.Kind)
}

func TestNewSendFillsIdentity(t *testing.T) {
	env := NewSend("alice", "*", "news", &MessagePayload{Kind: KindMessage, Body: "hi"})

	assert.Equal(t, ProtocolVersion, env.V)
	assert.Equal(t, TypeSend, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.NotZero(t, env.TS)
	assert.Equal(t, BroadcastTarget, env.To)
	require.NoError(t, env.Validate())
}

func TestCloneDataDoesNotAliasSource(t *testing.T) {
	src := map[string]any{"a": 1}
	dup := CloneData(src)
	dup["b"] = 2

	assert.NotContains(t, src, "b")
	assert.NotNil(t, CloneData(nil), "nil source still yields a writable map")
}

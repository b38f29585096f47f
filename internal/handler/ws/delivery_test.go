package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/agent-relay/internal/domain/model"
	"github.com/webitel/agent-relay/internal/domain/router"
	"github.com/webitel/agent-relay/internal/service"
)

func startRelay(t *testing.T) (*httptest.Server, *router.Router) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := router.New(log, nil, nil, router.WithAckTimeout(time.Hour))
	t.Cleanup(r.Shutdown)

	srv := httptest.NewServer(NewHandler(log, service.NewRelayService(r)))
	t.Cleanup(srv.Close)
	return srv, r
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func readEnvelope(t *testing.T, sock *websocket.Conn) *model.Envelope {
	t.Helper()
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := sock.ReadMessage()
	require.NoError(t, err)
	env := &model.Envelope{}
	require.NoError(t, json.Unmarshal(data, env))
	return env
}

func waitForAgents(t *testing.T, r *router.Router, names ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		agents := r.Stats().Agents
		present := make(map[string]bool, len(agents))
		for _, a := range agents {
			present[a] = true
		}
		for _, n := range names {
			if !present[n] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendDeliverAckOverWebSocket(t *testing.T) {
	srv, r := startRelay(t)

	alice := dial(t, srv, "name=alice&session=sa&program=claude")
	bob := dial(t, srv, "name=bob&session=sb")
	waitForAgents(t, r, "alice", "bob")

	send := fmt.Sprintf(`{"v":1,"type":"SEND","id":"m-1","ts":%d,"from":"alice","to":"bob",
		"payload":{"kind":"message","body":"hello over the wire"}}`, time.Now().UnixMilli())
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(send)))

	deliver := readEnvelope(t, bob)
	assert.Equal(t, model.TypeDeliver, deliver.Type)
	assert.Equal(t, "alice", deliver.From)
	assert.Equal(t, "bob", deliver.To)
	assert.Equal(t, "hello over the wire", deliver.Message.Body)
	require.NotNil(t, deliver.Delivery)
	assert.Equal(t, uint64(1), deliver.Delivery.Seq)
	assert.Equal(t, "sb", deliver.Delivery.SessionID)
	require.Equal(t, 1, r.PendingCount())

	ack := fmt.Sprintf(`{"v":1,"type":"ACK","id":"a-1","ts":%d,
		"payload":{"ack_id":%q,"seq":%d}}`, time.Now().UnixMilli(), deliver.ID, deliver.Delivery.Seq)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(ack)))

	require.Eventually(t, func() bool {
		return r.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeControlFrameAndTopicBroadcast(t *testing.T) {
	srv, r := startRelay(t)

	alice := dial(t, srv, "name=alice&session=sa")
	bob := dial(t, srv, "name=bob&session=sb")
	waitForAgents(t, r, "alice", "bob")

	sub := `{"type":"SUBSCRIBE","payload":{"topic":"news"}}`
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(sub)))
	require.Eventually(t, func() bool {
		return r.Stats().Topics["news"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	send := fmt.Sprintf(`{"v":1,"type":"SEND","id":"m-2","ts":%d,"from":"alice","to":"*","topic":"news",
		"payload":{"kind":"message","body":"hot off the press"}}`, time.Now().UnixMilli())
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(send)))

	deliver := readEnvelope(t, bob)
	assert.Equal(t, model.TypeDeliver, deliver.Type)
	assert.Equal(t, "hot off the press", deliver.Message.Body)
	assert.Equal(t, model.BroadcastTarget, deliver.Delivery.OriginalTo)
}

func TestDisconnectUnregistersAgent(t *testing.T) {
	srv, r := startRelay(t)

	alice := dial(t, srv, "name=alice&session=sa")
	waitForAgents(t, r, "alice")

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return len(r.Stats().Agents) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	srv, r := startRelay(t)

	alice := dial(t, srv, "name=alice&session=sa")
	bob := dial(t, srv, "name=bob&session=sb")
	waitForAgents(t, r, "alice", "bob")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	// The session survives and keeps routing.
	send := fmt.Sprintf(`{"v":1,"type":"SEND","id":"m-3","ts":%d,"from":"alice","to":"bob",
		"payload":{"kind":"message","body":"still alive"}}`, time.Now().UnixMilli())
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(send)))

	deliver := readEnvelope(t, bob)
	assert.Equal(t, "still alive", deliver.Message.Body)
}

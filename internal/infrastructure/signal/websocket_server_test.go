package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Metrics register against the default Prometheus registry, so every test
// shares one collector.
var relayMetrics = monitoring.NewPrometheusCollector()

func newTestRelay(t *testing.T) (*WebSocketServer, *httptest.Server) {
	t.Helper()

	logger := zap.NewNop().Sugar()
	registry := services.NewRegistryService(nil, logger)
	calls := services.NewCallService(registry, logger)

	server := NewWebSocketServer(registry, calls, relayMetrics, config.DefaultConfig(), logger)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleConnection))
	t.Cleanup(ts.Close)
	return server, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()

	data, err := json.Marshal(map[string]interface{}{"type": eventType, "payload": payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expectEvent reads frames until one of the wanted type arrives, skipping
// unrelated presence noise, and returns its payload.
func expectEvent(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", eventType)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == eventType {
			return env.Payload
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, name string) JoinSuccessPayload {
	t.Helper()

	send(t, conn, EventJoin, JoinPayload{Name: name})
	var payload JoinSuccessPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, conn, EventJoinSuccess), &payload))
	return payload
}

func TestRelay_JoinSuccess(t *testing.T) {
	_, ts := newTestRelay(t)
	conn := dial(t, ts)

	payload := join(t, conn, "Ana")
	assert.Equal(t, "Ana", payload.Name)
	require.Len(t, payload.Roster, 1)
	assert.Equal(t, "Ana", payload.Roster[0].Name)
}

func TestRelay_JoinNameTaken(t *testing.T) {
	_, ts := newTestRelay(t)

	first := dial(t, ts)
	join(t, first, "Ana")

	second := dial(t, ts)
	send(t, second, EventJoin, JoinPayload{Name: "Ana"})

	var errPayload JoinErrorPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, second, EventJoinError), &errPayload))
	assert.Equal(t, CodeNameTaken, errPayload.Code)

	// The rejected connection can retry with a different name.
	payload := join(t, second, "Leo")
	assert.Len(t, payload.Roster, 2)
}

func TestRelay_JoinInvalidName(t *testing.T) {
	_, ts := newTestRelay(t)
	conn := dial(t, ts)

	send(t, conn, EventJoin, JoinPayload{Name: "  "})

	var errPayload JoinErrorPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, conn, EventJoinError), &errPayload))
	assert.Equal(t, CodeNameInvalid, errPayload.Code)
}

func TestRelay_PresenceBroadcast(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")

	leo := dial(t, ts)
	join(t, leo, "Leo")

	// Ana learns about Leo; Leo already got the full roster on join.
	var joined PresencePayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventUserJoined), &joined))
	assert.Equal(t, "Leo", joined.Name)
	require.Len(t, joined.Roster, 2)
	assert.Equal(t, "Ana", joined.Roster[0].Name)
	assert.Equal(t, "Leo", joined.Roster[1].Name)

	leo.Close()

	var left PresencePayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventUserLeft), &left))
	assert.Equal(t, "Leo", left.Name)
	require.Len(t, left.Roster, 1)
	assert.Equal(t, "Ana", left.Roster[0].Name)
}

func TestRelay_ChatEchoesToSender(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")

	send(t, ana, EventSendMessage, ChatPayload{Text: "hello there"})

	for _, conn := range []*websocket.Conn{ana, leo} {
		var msg ChatBroadcastPayload
		require.NoError(t, json.Unmarshal(expectEvent(t, conn, EventReceiveMessage), &msg))
		assert.Equal(t, "Ana", msg.Sender)
		assert.Equal(t, "hello there", msg.Text)
		assert.False(t, msg.SentAt.IsZero())
	}
}

func TestRelay_ChatFromUnregisteredDropped(t *testing.T) {
	_, ts := newTestRelay(t)

	stranger := dial(t, ts)
	ana := dial(t, ts)
	join(t, ana, "Ana")

	send(t, stranger, EventSendMessage, ChatPayload{Text: "should vanish"})

	// A follow-up chat from Ana arrives without the stranger's text first.
	send(t, ana, EventSendMessage, ChatPayload{Text: "real message"})
	var msg ChatBroadcastPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventReceiveMessage), &msg))
	assert.Equal(t, "real message", msg.Text)
}

func TestRelay_CallErrors(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Nobody"})
	var callErr CallErrorPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallError), &callErr))
	assert.Equal(t, CodeTargetNotFound, callErr.Code)

	send(t, ana, EventCallUser, CallUserPayload{Target: "Ana"})
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallError), &callErr))
	assert.Equal(t, CodeSelfCall, callErr.Code)
}

func TestRelay_CallBusy(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")
	mia := dial(t, ts)
	join(t, mia, "Mia")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)

	send(t, mia, EventCallUser, CallUserPayload{Target: "Leo"})
	var callErr CallErrorPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, mia, EventCallError), &callErr))
	assert.Equal(t, CodeTargetBusy, callErr.Code)
}

func TestRelay_CallReject(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)

	send(t, leo, EventRejectCall, RejectCallPayload{})
	var rejected CallEventPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallRejected), &rejected))
	assert.Equal(t, "Leo", rejected.By)

	// Both parties are free for a new call right away.
	send(t, leo, EventCallUser, CallUserPayload{Target: "Ana"})
	expectEvent(t, ana, EventIncomingCall)
}

func TestRelay_FullCallFlow(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})

	var incoming IncomingCallPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventIncomingCall), &incoming))
	assert.Equal(t, "Ana", incoming.CallerName)
	assert.NotEmpty(t, incoming.CallerID)

	send(t, leo, EventAcceptCall, AcceptCallPayload{})
	var accepted CallEventPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallAccepted), &accepted))
	assert.Equal(t, "Leo", accepted.By)

	offerBlob := json.RawMessage(`{"sdp":"v=0 offer","type":"offer"}`)
	send(t, ana, EventOffer, SignalPayload{Data: offerBlob})

	var relayedOffer RelayedSignalPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventOffer), &relayedOffer))
	assert.JSONEq(t, string(offerBlob), string(relayedOffer.Data))
	assert.Equal(t, "Ana", relayedOffer.From)

	answerBlob := json.RawMessage(`{"sdp":"v=0 answer","type":"answer"}`)
	send(t, leo, EventAnswer, SignalPayload{Data: answerBlob})

	var relayedAnswer RelayedSignalPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventAnswer), &relayedAnswer))
	assert.JSONEq(t, string(answerBlob), string(relayedAnswer.Data))
	assert.Equal(t, "Leo", relayedAnswer.From)

	candidateBlob := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}`)
	send(t, ana, EventICECandidate, SignalPayload{Data: candidateBlob})
	expectEvent(t, leo, EventICECandidate)

	send(t, leo, EventEndCall, EndCallPayload{})
	var ended CallEventPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallEnded), &ended))
	assert.Equal(t, "Leo", ended.By)
}

func TestRelay_SignalRoutedToSessionPeer(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")
	mia := dial(t, ts)
	join(t, mia, "Mia")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)
	send(t, leo, EventAcceptCall, AcceptCallPayload{})
	expectEvent(t, ana, EventCallAccepted)

	// Ana claims Mia as target; the session says the peer is Leo.
	send(t, ana, EventOffer, SignalPayload{Target: "Mia", Data: json.RawMessage(`{"sdp":"x"}`)})

	var relayed RelayedSignalPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventOffer), &relayed))
	assert.Equal(t, "Ana", relayed.From)
}

func TestRelay_SignalWithoutSession(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")

	send(t, ana, EventOffer, SignalPayload{Data: json.RawMessage(`{"sdp":"x"}`)})

	var callErr CallErrorPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventCallError), &callErr))
	assert.Equal(t, CodeNoActiveSession, callErr.Code)
}

func TestRelay_DisconnectEndsCallBeforeDeparture(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)
	send(t, leo, EventAcceptCall, AcceptCallPayload{})
	expectEvent(t, ana, EventCallAccepted)

	ana.Close()

	// Leo observes the hangup first, then the departure with the roster
	// already updated.
	var ended CallEventPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventCallEnded), &ended))
	assert.Equal(t, "Ana", ended.By)

	var left PresencePayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventUserLeft), &left))
	assert.Equal(t, "Ana", left.Name)
	require.Len(t, left.Roster, 1)
	assert.Equal(t, "Leo", left.Roster[0].Name)
}

func TestRelay_DisconnectWhileRinging(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")
	leo := dial(t, ts)
	join(t, leo, "Leo")

	send(t, ana, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)

	ana.Close()

	var ended CallEventPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, leo, EventCallEnded), &ended))
	assert.Equal(t, "Ana", ended.By)
	expectEvent(t, leo, EventUserLeft)

	// The abandoned call left no session behind; Leo can be called again.
	mia := dial(t, ts)
	join(t, mia, "Mia")
	send(t, mia, EventCallUser, CallUserPayload{Target: "Leo"})
	expectEvent(t, leo, EventIncomingCall)
}

func TestRelay_MalformedFramesDoNotKillConnection(t *testing.T) {
	_, ts := newTestRelay(t)

	ana := dial(t, ts)
	join(t, ana, "Ana")

	require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-event"}`)))
	require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte(`{"type":"send-message","payload":42}`)))

	// The connection is still alive and serviced.
	send(t, ana, EventSendMessage, ChatPayload{Text: "still here"})
	var msg ChatBroadcastPayload
	require.NoError(t, json.Unmarshal(expectEvent(t, ana, EventReceiveMessage), &msg))
	assert.Equal(t, "still here", msg.Text)
}

func TestRelay_ConnectionCount(t *testing.T) {
	server, ts := newTestRelay(t)

	require.Eventually(t, func() bool { return server.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return server.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

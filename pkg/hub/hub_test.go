package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/logring"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider serves rings from a map, standing in for the process
// registry and session manager.
type fakeProvider struct {
	rings map[string]*logring.Ring
}

func (f *fakeProvider) Ring(id string) (*logring.Ring, error) {
	r, ok := f.rings[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeProcessNotFound, "process not found")
	}
	return r, nil
}

type testEnv struct {
	hub      *Hub
	provider *fakeProvider
	conn     *websocket.Conn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := &fakeProvider{rings: make(map[string]*logring.Ring)}
	h := New(map[types.TargetKind]RingProvider{types.TargetProcess: provider}, Config{})
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{hub: h, provider: provider, conn: conn}
}

func (e *testEnv) send(t *testing.T, req protocol.SubscriptionRequest) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(req))
}

// readFrame reads one JSON frame as a raw map.
func (e *testEnv) readFrame(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := e.conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if raw, ok := frame[key]; ok {
		require.NoError(t, json.Unmarshal(raw, &s))
	}
	return s
}

func (e *testEnv) readLog(t *testing.T) protocol.LogMessage {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.LogMessage
	require.NoError(t, e.conn.ReadJSON(&msg))
	require.Equal(t, "log", msg.Type)
	return msg
}

func subscribeReq(target string, opts protocol.SubscribeOptions) protocol.SubscriptionRequest {
	return protocol.SubscriptionRequest{
		Action: "subscribe", Type: "process", TargetID: target, Options: opts,
	}
}

func TestSubscribeAckAndLiveDelivery(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(100)
	e.provider.rings["p1"] = ring

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))

	ack := e.readFrame(t)
	assert.Equal(t, "subscribed", frameString(t, ack, "action"))
	assert.Equal(t, "p1", frameString(t, ack, "targetId"))

	entry := ring.Append(types.LogLevelStdout, "live line")
	e.hub.Publish(types.TargetProcess, "p1", entry)

	msg := e.readLog(t)
	assert.Equal(t, "live line", msg.Log.Content)
	assert.False(t, msg.IsHistory)
	assert.Equal(t, "process", msg.DataType)
}

func TestHistoryPrecedesLive(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(100)
	for i := 0; i < 5; i++ {
		ring.Append(types.LogLevelStdout, "old")
	}
	e.provider.rings["p1"] = ring

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t) // ack

	// Publish a live line immediately; it must arrive after all history.
	entry := ring.Append(types.LogLevelStdout, "new")
	e.hub.Publish(types.TargetProcess, "p1", entry)

	var got []protocol.LogMessage
	for i := 0; i < 6; i++ {
		got = append(got, e.readLog(t))
	}
	for i := 0; i < 5; i++ {
		assert.True(t, got[i].IsHistory, "frame %d", i)
		assert.Equal(t, "old", got[i].Log.Content)
	}
	assert.False(t, got[5].IsHistory)
	assert.Equal(t, "new", got[5].Log.Content)

	// Sequences strictly increase across the boundary: no duplicates.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Log.Sequence, got[i-1].Log.Sequence)
	}
}

func TestTailLimitsHistory(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(100)
	for i := 0; i < 10; i++ {
		ring.Append(types.LogLevelStdout, "x")
	}
	e.provider.rings["p1"] = ring

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{Tail: 3}))
	_ = e.readFrame(t)

	for i := 0; i < 3; i++ {
		msg := e.readLog(t)
		assert.True(t, msg.IsHistory)
		assert.GreaterOrEqual(t, msg.Log.Sequence, int64(7))
	}
}

func TestLevelFilter(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(100)
	e.provider.rings["p1"] = ring

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{Levels: []string{"stderr"}}))
	_ = e.readFrame(t)

	e.hub.Publish(types.TargetProcess, "p1", ring.Append(types.LogLevelStdout, "out"))
	e.hub.Publish(types.TargetProcess, "p1", ring.Append(types.LogLevelStderr, "err"))

	msg := e.readLog(t)
	assert.Equal(t, "err", msg.Log.Content)
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	e := newTestEnv(t)
	e.provider.rings["p1"] = logring.New(100)

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t)
	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t)

	require.Eventually(t, func() bool {
		return e.hub.SubscriptionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(100)
	e.provider.rings["p1"] = ring

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t)

	e.send(t, protocol.SubscriptionRequest{Action: "unsubscribe", Type: "process", TargetID: "p1"})
	ack := e.readFrame(t)
	assert.Equal(t, "unsubscribed", frameString(t, ack, "action"))
	assert.Equal(t, 0, e.hub.SubscriptionCount())

	e.hub.Publish(types.TargetProcess, "p1", ring.Append(types.LogLevelStdout, "after"))

	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := e.conn.ReadMessage()
	assert.Error(t, err, "no frame expected after unsubscribe")
}

func TestListSubscriptions(t *testing.T) {
	e := newTestEnv(t)
	e.provider.rings["p1"] = logring.New(100)

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{Levels: []string{"stdout"}}))
	_ = e.readFrame(t)

	e.send(t, protocol.SubscriptionRequest{Action: "list"})
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var list protocol.SubscriptionList
	require.NoError(t, e.conn.ReadJSON(&list))

	assert.Equal(t, "list", list.Type)
	require.Len(t, list.Subscriptions, 1)
	assert.Equal(t, "p1", list.Subscriptions[0].TargetID)
	assert.Equal(t, []string{"stdout"}, list.Subscriptions[0].LogLevels)
	assert.True(t, list.Subscriptions[0].Active)
}

func TestSubscribeUnknownTarget(t *testing.T) {
	e := newTestEnv(t)

	e.send(t, subscribeReq("ghost", protocol.SubscribeOptions{}))
	frame := e.readFrame(t)
	assert.Equal(t, "error", frameString(t, frame, "type"))
	assert.Contains(t, frameString(t, frame, "message"), "process_not_found")
}

func TestUnknownActionAndBadType(t *testing.T) {
	e := newTestEnv(t)

	e.send(t, protocol.SubscriptionRequest{Action: "shout"})
	frame := e.readFrame(t)
	assert.Equal(t, "error", frameString(t, frame, "type"))

	e.send(t, protocol.SubscriptionRequest{Action: "subscribe", Type: "container", TargetID: "x"})
	frame = e.readFrame(t)
	assert.Equal(t, "error", frameString(t, frame, "type"))
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	e := newTestEnv(t)
	e.provider.rings["p1"] = logring.New(100)

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t)
	require.Equal(t, 1, e.hub.SubscriptionCount())

	e.conn.Close()

	require.Eventually(t, func() bool {
		return e.hub.SubscriptionCount() == 0 && e.hub.ClientCount() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout)
	assert.Equal(t, int64(512<<10), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
}

func TestSilentClientDropped(t *testing.T) {
	provider := &fakeProvider{rings: make(map[string]*logring.Ring)}
	h := New(map[types.TargetKind]RingProvider{types.TargetProcess: provider}, Config{
		PingPeriod:          20 * time.Millisecond,
		ReadTimeout:         100 * time.Millisecond,
		HealthCheckInterval: 25 * time.Millisecond,
	})
	h.Start()
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The dialer never reads, so the server's pings go unanswered and
	// the client must be disconnected within the read timeout.
	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	e := newTestEnv(t)
	ring := logring.New(10000)
	e.provider.rings["p1"] = ring

	var drops atomic.Int64
	e.hub.OnDrop(func() { drops.Add(1) })

	e.send(t, subscribeReq("p1", protocol.SubscribeOptions{}))
	_ = e.readFrame(t)

	// Flood far beyond queue plus socket buffers without reading.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50000; i++ {
			e.hub.Publish(types.TargetProcess, "p1", ring.Append(types.LogLevelStdout, "flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Positive(t, drops.Load())
}

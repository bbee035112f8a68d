package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressEvent struct {
	cid, target string
	step, max   int
}

type recordingNotifier struct {
	lock     sync.Mutex
	progress []progressEvent
	previews []string // correlation ids
}

func (r *recordingNotifier) OnProgress(cid, target string, step, maxSteps int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.progress = append(r.progress, progressEvent{cid: cid, target: target, step: step, max: maxSteps})
}

func (r *recordingNotifier) OnPreview(cid, _ string, _ []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.previews = append(r.previews, cid)
}

func (r *recordingNotifier) progressCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.progress)
}

func (r *recordingNotifier) previewCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.previews)
}

// wsServer upgrades incoming connections and exposes them for the test to
// push events through
func wsServer(t *testing.T) (url string, conns chan *websocket.Conn, cleanup func()) {
	upgrader := websocket.Upgrader{}
	conns = make(chan *websocket.Conn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))

	url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, conns, srv.Close
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestChannel_ConnectAndIdentity(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	c := New(Config{URL: url})
	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.True(t, c.IsConnected())

	require.NoError(t, c.EnsureConnected(context.Background()), "no-op while connected")

	server := <-conns
	defer server.Close()
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"status","data":{"sid":"client-42"}}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	assert.Equal(t, "client-42", c.ClientID())

	c.Disconnect()
	assert.False(t, c.IsConnected())
	c.Disconnect() // idempotent
}

func TestChannel_ConnectFailure(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws", ConnectTimeout: 200 * time.Millisecond})
	err := c.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())

	// failed attempt resets the guard, a retry is allowed
	err = c.EnsureConnected(context.Background())
	require.Error(t, err)
}

func TestChannel_WaitReadyTimeout(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.WaitReady(ctx)
	require.Error(t, err, "degraded mode: caller proceeds without identity")
}

func TestChannel_RegisterUnregister(t *testing.T) {
	c := New(Config{URL: "ws://unused"})
	c.RegisterPrompt("c1", "msg-1")
	assert.True(t, c.IsRegistered("c1"))
	assert.Equal(t, 1, c.ActiveCount())

	c.UnregisterPrompt("c1")
	assert.False(t, c.IsRegistered("c1"), "no residual entry")
	assert.Equal(t, 0, c.ActiveCount())

	c.UnregisterPrompt("c1") // no-op
}

func TestChannel_ProgressForwarded(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	rec := &recordingNotifier{}
	c := New(Config{URL: url, Notifier: rec})
	c.RegisterPrompt("c1", "msg-1")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"progress","data":{"value":5,"max":20,"prompt_id":"c1"}}`)))

	waitFor(t, func() bool { return rec.progressCount() == 1 })
	rec.lock.Lock()
	got := rec.progress[0]
	rec.lock.Unlock()
	assert.Equal(t, progressEvent{cid: "c1", target: "msg-1", step: 5, max: 20}, got)
}

func TestChannel_ProgressFallsBackToExecuting(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	rec := &recordingNotifier{}
	c := New(Config{URL: url, Notifier: rec})
	c.RegisterPrompt("c1", "msg-1")
	c.RegisterPrompt("c2", "msg-2")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()

	// c2 starts executing, then a progress event without prompt_id arrives
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"execution_start","data":{"prompt_id":"c2"}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"progress","data":{"value":1,"max":10}}`)))

	waitFor(t, func() bool { return rec.progressCount() == 1 })
	rec.lock.Lock()
	got := rec.progress[0]
	rec.lock.Unlock()
	assert.Equal(t, "c2", got.cid)
	assert.Equal(t, "msg-2", got.target)
}

func TestChannel_PreviewThrottled(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	rec := &recordingNotifier{}
	c := New(Config{URL: url, Notifier: rec, PreviewThrottle: 200 * time.Millisecond})
	c.RegisterPrompt("c1", "msg-1")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()

	preview := []byte(`{"type":"preview","data":{"prompt_id":"c1"}}`)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, preview))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, preview))

	waitFor(t, func() bool { return rec.previewCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.previewCount(), "second preview inside throttle window dropped")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, preview))
	waitFor(t, func() bool { return rec.previewCount() == 2 })
}

func TestChannel_TerminalUnregistersOnly(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	c := New(Config{URL: url})
	c.RegisterPrompt("c1", "msg-1")
	c.RegisterPrompt("c2", "msg-2")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"executed","data":{"prompt_id":"c1"}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"execution_error","data":{"prompt_id":"c2"}}`)))

	waitFor(t, func() bool { return c.ActiveCount() == 0 })
	assert.False(t, c.IsRegistered("c1"))
	assert.False(t, c.IsRegistered("c2"))
}

func TestChannel_ExecutingDemotesOthers(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	c := New(Config{URL: url})
	c.RegisterPrompt("c1", "msg-1")
	c.RegisterPrompt("c2", "msg-2")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"execution_start","data":{"prompt_id":"c1"}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"execution_start","data":{"prompt_id":"c2"}}`)))

	waitFor(t, func() bool {
		c.lock.Lock()
		defer c.lock.Unlock()
		return c.active["c2"] != nil && c.active["c2"].status == promptExecuting
	})

	c.lock.Lock()
	defer c.lock.Unlock()
	assert.Equal(t, promptQueued, c.active["c1"].status, "previous executing entry demoted")
}

func TestChannel_MalformedEventDropped(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	rec := &recordingNotifier{}
	c := New(Config{URL: url, Notifier: rec})
	c.RegisterPrompt("c1", "msg-1")
	require.NoError(t, c.EnsureConnected(context.Background()))
	defer c.Disconnect()

	server := <-conns
	defer server.Close()

	// garbage, then a valid event: the listener must survive the first
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{not json at all`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"progress","data":"bogus shape"}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"progress","data":{"value":1,"max":4,"prompt_id":"c1"}}`)))

	waitFor(t, func() bool { return rec.progressCount() == 1 })
	assert.True(t, c.IsConnected())
}

func TestChannel_ListenerExitResetsState(t *testing.T) {
	url, conns, cleanup := wsServer(t)
	defer cleanup()

	c := New(Config{URL: url})
	require.NoError(t, c.EnsureConnected(context.Background()))

	server := <-conns
	require.NoError(t, server.Close()) // server drops the connection

	waitFor(t, func() bool { return !c.IsConnected() })

	// caller-driven reconnect with a short fixed delay
	c2 := New(Config{URL: url, ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, c2.EnsureConnected(context.Background()))
	require.NoError(t, c2.Reconnect(context.Background()))
	assert.True(t, c2.IsConnected())
}

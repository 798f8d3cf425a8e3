package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the channel protocol to test against.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reject   string

	mu         sync.Mutex
	joins      []joinPayload
	heartbeats int
	conns      chan *websocket.Conn
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{t: t, conns: make(chan *websocket.Conn, 8)}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	assert.Equal(fs.t, "/realtime/v1/websocket", r.URL.Path)
	assert.Equal(fs.t, "anon", r.URL.Query().Get("apikey"))

	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if !assert.NoError(fs.t, err) {
		return
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	var join message
	if !assert.NoError(fs.t, json.Unmarshal(data, &join)) {
		ws.Close()
		return
	}
	assert.Equal(fs.t, eventJoin, join.Event)
	var jp joinPayload
	assert.NoError(fs.t, json.Unmarshal(join.Payload, &jp))

	fs.mu.Lock()
	fs.joins = append(fs.joins, jp)
	reject := fs.reject
	fs.mu.Unlock()

	reply := `{"status":"ok","response":{}}`
	if reject != "" {
		reply = `{"status":"error","response":{"reason":"` + reject + `"}}`
	}
	_ = ws.WriteJSON(message{Topic: join.Topic, Event: eventReply, Payload: json.RawMessage(reply), Ref: join.Ref})
	if reject != "" {
		ws.Close()
		return
	}

	fs.conns <- ws
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var m message
		if json.Unmarshal(data, &m) == nil && m.Event == eventHeartbeat {
			fs.mu.Lock()
			fs.heartbeats++
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fs.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func pushChange(t *testing.T, ws *websocket.Conn, table, op, record, old string) {
	t.Helper()
	payload := `{"data":{"type":"` + op + `","table":"` + table + `","schema":"public","record":` + record + `,"old_record":` + old + `}}`
	require.NoError(t, ws.WriteJSON(message{Topic: "realtime:public:" + table, Event: eventChanges, Payload: json.RawMessage(payload)}))
}

func receive(t *testing.T, sub domain.Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.ChangeEvent{}
	}
}

func newTestFeed(t *testing.T, srv *httptest.Server, opts Options) *Feed {
	t.Helper()
	f, err := NewFeed(srv.URL, "anon", func() string { return "user-token" }, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	require.NoError(t, err)
	return f
}

func TestSubscribeDeliversChanges(t *testing.T) {
	fs, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{})

	sub, err := f.Subscribe(context.Background(), domain.TablePosts)
	require.NoError(t, err)
	defer sub.Close()
	ws := fs.nextConn(t)

	fs.mu.Lock()
	require.Len(t, fs.joins, 1)
	assert.Equal(t, "user-token", fs.joins[0].AccessToken)
	assert.Equal(t, []changeFilter{{Event: "*", Schema: "public", Table: "posts"}}, fs.joins[0].Config.PostgresChanges)
	fs.mu.Unlock()

	pushChange(t, ws, "posts", "INSERT", `{"id":"p1","user_id":"u1"}`, `{}`)
	pushChange(t, ws, "posts", "TRUNCATE", `null`, `null`)
	pushChange(t, ws, "posts", "DELETE", `null`, `{"id":"p1"}`)

	ev := receive(t, sub)
	assert.Equal(t, domain.TablePosts, ev.Table)
	assert.Equal(t, domain.OpInsert, ev.Op)
	assert.JSONEq(t, `{"id":"p1","user_id":"u1"}`, string(ev.New))
	assert.Nil(t, ev.Old)

	ev = receive(t, sub)
	assert.Equal(t, domain.OpDelete, ev.Op, "unknown operations are dropped")
	assert.JSONEq(t, `{"id":"p1"}`, string(ev.Row()))
}

func TestSubscribeRejected(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.reject = "Unauthorized"
	f := newTestFeed(t, srv, Options{})

	_, err := f.Subscribe(context.Background(), domain.TableLikes)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestSubscribeDialFailure(t *testing.T) {
	_, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{})
	srv.Close()

	_, err := f.Subscribe(context.Background(), domain.TablePosts)
	assert.Error(t, err)
}

func TestReconnectsAfterDrop(t *testing.T) {
	fs, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})

	sub, err := f.Subscribe(context.Background(), domain.TableLikes)
	require.NoError(t, err)
	defer sub.Close()

	first := fs.nextConn(t)
	require.NoError(t, first.Close())

	second := fs.nextConn(t)
	pushChange(t, second, "likes", "INSERT", `{"post_id":"p1","user_id":"u1"}`, `null`)

	ev := receive(t, sub)
	assert.Equal(t, domain.TableLikes, ev.Table)
	fs.mu.Lock()
	assert.Len(t, fs.joins, 2)
	fs.mu.Unlock()
}

func TestHeartbeats(t *testing.T) {
	fs, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{HeartbeatInterval: 10 * time.Millisecond})

	sub, err := f.Subscribe(context.Background(), domain.TableComments)
	require.NoError(t, err)
	defer sub.Close()
	fs.nextConn(t)

	assert.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.heartbeats >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseEndsEvents(t *testing.T) {
	fs, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{})

	sub, err := f.Subscribe(context.Background(), domain.TablePosts)
	require.NoError(t, err)
	fs.nextConn(t)

	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestContextCancelEndsEvents(t *testing.T) {
	fs, srv := newFakeServer(t)
	f := newTestFeed(t, srv, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := f.Subscribe(ctx, domain.TableReposts)
	require.NoError(t, err)
	fs.nextConn(t)
	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://abc.example.co/", "key")
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.example.co/realtime/v1/websocket?apikey=key&vsn=1.0.0", u)

	u, err = websocketURL("http://localhost:54321", "key")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:54321/realtime/v1/websocket?apikey=key&vsn=1.0.0", u)

	_, err = websocketURL("ftp://x", "key")
	assert.Error(t, err)
}

func TestParseChange_TableMismatch(t *testing.T) {
	_, err := parseChange(domain.TablePosts, []byte(`{"data":{"type":"INSERT","table":"likes","record":{}}}`))
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

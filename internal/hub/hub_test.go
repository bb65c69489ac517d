package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/perch/internal/bridge"
	"github.com/ehrlich-b/perch/internal/engine"
	"github.com/ehrlich-b/perch/internal/history"
	"github.com/ehrlich-b/perch/internal/protocol"
	"github.com/ehrlich-b/perch/internal/session"
)

func newTestHub(t *testing.T) (*Hub, *session.Manager, *engine.Fake, *httptest.Server) {
	t.Helper()
	mgr := session.NewManager(history.NewStore(t.TempDir()))
	fake := &engine.Fake{}
	h := New("demo", "/home/me/demo", "test", mgr, nil)
	br := bridge.New(fake, mgr, h, nil, t.TempDir())
	h.SetBridge(br)
	mgr.SetNotifier(h)
	if err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, mgr, fake, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		m := readFrame(t, conn)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("never received %q", typ)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectSnapshotSequence(t *testing.T) {
	_, _, _, srv := newTestHub(t)
	conn := dialWS(t, srv)

	state := readFrame(t, conn)
	if state["type"] != protocol.TypeState || state["slug"] != "demo" ||
		state["project_path"] != "/home/me/demo" || state["version"] != "test" {
		t.Fatalf("state = %v", state)
	}

	list := readFrame(t, conn)
	if list["type"] != protocol.TypeSessionList {
		t.Fatalf("second frame = %v", list)
	}
	sessions := list["sessions"].([]any)
	if len(sessions) != 1 || list["active_id"] == "" {
		t.Errorf("list = %v", list)
	}

	meta := readFrame(t, conn)
	if meta["type"] != protocol.TypeHistoryMeta || meta["total"].(float64) != 0 {
		t.Fatalf("third frame = %v", meta)
	}
}

func TestConnectReplaysPendingPermission(t *testing.T) {
	_, mgr, _, srv := newTestHub(t)
	s := mgr.Active()
	mgr.AddPendingPermission(s, &session.PendingPermission{
		RequestID: "req-1", Tool: "Bash",
	})

	conn := dialWS(t, srv)
	pending := readUntil(t, conn, protocol.TypePermissionPending)
	if pending["request_id"] != "req-1" || pending["tool"] != "Bash" {
		t.Errorf("pending = %v", pending)
	}
}

func TestMessageFansOutToAllClients(t *testing.T) {
	_, _, fake, srv := newTestHub(t)
	a := dialWS(t, srv)
	b := dialWS(t, srv)
	readUntil(t, a, protocol.TypeHistoryMeta)
	readUntil(t, b, protocol.TypeHistoryMeta)

	sendFrame(t, a, protocol.SendMessage{Type: protocol.TypeMessage, Text: "hello"})

	for _, conn := range []*websocket.Conn{a, b} {
		m := readUntil(t, conn, protocol.TypeUserMessage)
		if m["text"] != "hello" {
			t.Errorf("entry = %v", m)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fake.LastCall() == nil {
		time.Sleep(time.Millisecond)
	}
	if fake.LastCall() == nil {
		t.Fatal("engine never called")
	}
	fake.LastCall().Finish(nil)
}

func TestEmptyMessageDropped(t *testing.T) {
	_, _, fake, srv := newTestHub(t)
	conn := dialWS(t, srv)
	readUntil(t, conn, protocol.TypeHistoryMeta)

	sendFrame(t, conn, protocol.SendMessage{Type: protocol.TypeMessage, Text: ""})

	// A follow-up command round-trips, proving the empty one was dropped
	// without killing the connection.
	sendFrame(t, conn, protocol.SearchSessions{Type: protocol.TypeSearchSessions, Query: "x"})
	readUntil(t, conn, protocol.TypeSearchResults)
	if fake.LastCall() != nil {
		t.Error("empty message reached the engine")
	}
}

func TestNewSessionBroadcastsListAndReplay(t *testing.T) {
	_, mgr, _, srv := newTestHub(t)
	conn := dialWS(t, srv)
	readUntil(t, conn, protocol.TypeHistoryMeta)

	sendFrame(t, conn, protocol.NewSession{Type: protocol.TypeNewSession})

	list := readUntil(t, conn, protocol.TypeSessionList)
	if len(list["sessions"].([]any)) != 2 {
		t.Errorf("list = %v", list)
	}
	switched := readUntil(t, conn, protocol.TypeSessionSwitched)
	if switched["session_id"] != mgr.Active().ID {
		t.Errorf("switched = %v", switched)
	}
	readUntil(t, conn, protocol.TypeHistoryMeta)
}

func TestInputSyncRelayedToOthersOnly(t *testing.T) {
	_, _, _, srv := newTestHub(t)
	a := dialWS(t, srv)
	b := dialWS(t, srv)
	readUntil(t, a, protocol.TypeHistoryMeta)
	readUntil(t, b, protocol.TypeHistoryMeta)

	sendFrame(t, a, protocol.InputSyncMsg{Type: protocol.TypeInputSync, Text: "typing…"})

	m := readUntil(t, b, protocol.TypeInputSync)
	if m["text"] != "typing…" || m["client_id"] == "" {
		t.Errorf("relayed = %v", m)
	}

	// The sender must not see its own echo: the next frame a receives after a
	// marker command is the marker's reply.
	sendFrame(t, a, protocol.SearchSessions{Type: protocol.TypeSearchSessions, Query: "z"})
	next := readFrame(t, a)
	if next["type"] == protocol.TypeInputSync {
		t.Error("input_sync echoed to sender")
	}
}

func TestSetModelBroadcasts(t *testing.T) {
	_, mgr, _, srv := newTestHub(t)
	a := dialWS(t, srv)
	b := dialWS(t, srv)
	readUntil(t, a, protocol.TypeHistoryMeta)
	readUntil(t, b, protocol.TypeHistoryMeta)

	sendFrame(t, a, protocol.SetModel{Type: protocol.TypeSetModel, Model: "sonnet"})

	for _, conn := range []*websocket.Conn{a, b} {
		m := readUntil(t, conn, protocol.TypeModel)
		if m["model"] != "sonnet" {
			t.Errorf("model = %v", m)
		}
	}
	if got := mgr.Model(mgr.Active()); got != "sonnet" {
		t.Errorf("session model = %q", got)
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	_, _, _, srv := newTestHub(t)
	conn := dialWS(t, srv)
	readUntil(t, conn, protocol.TypeHistoryMeta)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sendFrame(t, conn, protocol.SearchSessions{Type: protocol.TypeSearchSessions, Query: "q"})
	res := readUntil(t, conn, protocol.TypeSearchResults)
	if res["query"] != "q" {
		t.Errorf("results = %v", res)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	h, _, _, srv := newTestHub(t)
	a := dialWS(t, srv)
	readUntil(t, a, protocol.TypeHistoryMeta)
	if h.ClientCount() != 1 {
		t.Fatalf("count = %d", h.ClientCount())
	}

	a.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ClientCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Errorf("count = %d after disconnect", h.ClientCount())
	}
}

func TestRewindErrorGoesToRequester(t *testing.T) {
	_, _, _, srv := newTestHub(t)
	conn := dialWS(t, srv)
	readUntil(t, conn, protocol.TypeHistoryMeta)

	sendFrame(t, conn, protocol.RewindPreview{Type: protocol.TypeRewindPreview, UUID: "ghost"})
	m := readUntil(t, conn, protocol.TypeRewindError)
	if m["message"] == "" {
		t.Errorf("error = %v", m)
	}
}

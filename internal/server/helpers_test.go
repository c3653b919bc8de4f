package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/store/jsonfile"
	storesqlite "github.com/Tyrowin/roomchat/internal/store/sqlite"
)

const (
	testOrigin  = "http://localhost:3000"
	readTimeout = 2 * time.Second
)

type pushCall struct {
	user    string
	payload notify.Payload
}

// recordingNotifier streams like the real dispatcher but records pushes.
type recordingNotifier struct {
	*notify.Dispatcher
	pushes chan pushCall
}

func (n *recordingNotifier) NotifyUser(user string, p notify.Payload) {
	n.pushes <- pushCall{user: user, payload: p}
}

type testEnv struct {
	cfg      *Config
	hub      *Hub
	rooms    *room.Registry
	store    *store.Chain
	notifier *recordingNotifier
	server   *httptest.Server
	wsURL    string
}

// newTestEnv starts a full server with rooms "Kitchen" (open) and "Vault"
// (password "s3cret"). configure may adjust the config before anything is
// built.
func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	if configure != nil {
		configure(cfg)
	}

	dir := t.TempDir()
	db, err := storesqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	primary := storesqlite.New(db)
	if err := primary.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	files, err := jsonfile.New(dir)
	if err != nil {
		t.Fatalf("Failed to create message dir: %v", err)
	}
	chain := store.NewChain(time.Minute, primary, files)

	subs := notify.NewSubscriptionStore(db)
	if err := subs.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate subscriptions: %v", err)
	}

	registry := room.NewRegistry(
		[]room.Room{{Name: "Kitchen"}, {Name: "Vault", Password: "s3cret"}},
		room.NewFile(filepath.Join(dir, "rooms.json")),
		ratelimit.NewMemory(cfg.PasswordLimit.MaxAttempts, cfg.PasswordLimit.Window),
	)

	streams := notify.NewStreams(cfg.NotifyHeartbeat)
	notifier := &recordingNotifier{
		Dispatcher: notify.NewDispatcher(streams, nil),
		pushes:     make(chan pushCall, 16),
	}

	hub := NewHub(HubDeps{Config: cfg, Rooms: registry, Store: chain, Notifier: notifier})
	go hub.Run()

	handlers := NewHandlers(HandlerDeps{
		Config:        cfg,
		Hub:           hub,
		Rooms:         registry,
		Store:         chain,
		Watermarks:    notify.NewWatermarks(chain),
		Streams:       streams,
		Subscriptions: subs,
		StorageHealth: chain.Health,
	})
	srv := httptest.NewServer(SetupRoutes(handlers))

	t.Cleanup(func() {
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Logf("Hub shutdown: %v", err)
		}
		notifier.Close()
		srv.Close()
		if err := primary.Close(); err != nil {
			t.Logf("Database close: %v", err)
		}
	})

	return &testEnv{
		cfg:      cfg,
		hub:      hub,
		rooms:    registry,
		store:    chain,
		notifier: notifier,
		server:   srv,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin",
	}
}

// dial connects a WebSocket client and consumes the connected greeting,
// returning the connection id.
func (e *testEnv) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(e.wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	greeting := readFrame(t, conn)
	if greeting.Event != EventConnected {
		t.Fatalf("Expected %q greeting, got %q", EventConnected, greeting.Event)
	}
	var connected Connected
	decodeData(t, greeting, &connected)
	if connected.SocketID == "" {
		t.Fatal("Greeting carried no socket id")
	}
	return conn, connected.SocketID
}

// join sends a join and waits until the client sees its own arrival.
func join(t *testing.T, conn *websocket.Conn, id, roomName, name string) {
	t.Helper()
	send(t, conn, EventJoin, JoinRequest{Room: roomName, Name: name})
	for {
		var joined UserPresence
		decodeData(t, expectEvent(t, conn, EventUserJoined), &joined)
		if joined.SocketID == id {
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("Failed to send %q: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

// expectEvent reads until a frame named event arrives, skipping others.
func expectEvent(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Event == event {
			return f
		}
	}
}

// expectNoEvent fails if event arrives within wait. The read deadline leaves
// conn unusable, so this must be the last read on it.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == event {
			t.Fatalf("Unexpected %q event: %s", event, f.Data)
		}
	}
}

func decodeData(t *testing.T, f Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("Failed to decode %q data %s: %v", f.Event, f.Data, err)
	}
}

func (e *testEnv) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode GET %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) postJSON(t *testing.T, path string, body, v any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to encode body: %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(e.server.URL+path, "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode POST %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// Package testhelpers starts complete room chat servers for black-box tests
// and wraps the realtime client side of the protocol.
package testhelpers

import (
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
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/store/jsonfile"
)

// TestOrigin is the only origin the test servers accept.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every frame read made through this package.
const ReadTimeout = 2 * time.Second

// TestServer is a running server backed by JSON files in a temp dir.
type TestServer struct {
	Hub        *server.Hub
	Dispatcher *notify.Dispatcher
	HTTP       *httptest.Server
	URL        string
	WSURL      string
}

// StartServer builds the full handler stack around the given rooms and
// serves it with the production server timeouts. The caller owns shutdown.
func StartServer(t *testing.T, rooms ...room.Room) *TestServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}

	dir := t.TempDir()
	files, err := jsonfile.New(dir)
	if err != nil {
		t.Fatalf("Failed to create message dir: %v", err)
	}
	chain := store.NewChain(time.Minute, files)

	registry := room.NewRegistry(
		rooms,
		room.NewFile(filepath.Join(dir, "rooms.json")),
		ratelimit.NewMemory(cfg.PasswordLimit.MaxAttempts, cfg.PasswordLimit.Window),
	)
	streams := notify.NewStreams(cfg.NotifyHeartbeat)
	dispatcher := notify.NewDispatcher(streams, nil)

	hub := server.NewHub(server.HubDeps{Config: cfg, Rooms: registry, Store: chain, Notifier: dispatcher})
	server.StartHub(hub)

	handlers := server.NewHandlers(server.HandlerDeps{
		Config:        cfg,
		Hub:           hub,
		Rooms:         registry,
		Store:         chain,
		Watermarks:    notify.NewWatermarks(chain),
		Streams:       streams,
		StorageHealth: chain.Health,
	})
	mux := server.SetupRoutes(handlers)

	ts := httptest.NewUnstartedServer(mux)
	ts.Config = server.CreateServer("", mux)
	ts.Start()

	return &TestServer{
		Hub:        hub,
		Dispatcher: dispatcher,
		HTTP:       ts,
		URL:        ts.URL,
		WSURL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin",
	}
}

// Close stops the hub, the notification streams and the listener.
func (s *TestServer) Close(t *testing.T) {
	t.Helper()
	if err := s.Hub.Shutdown(2 * time.Second); err != nil {
		t.Logf("Hub shutdown: %v", err)
	}
	s.Dispatcher.Close()
	s.HTTP.Close()
}

// ConnectWebSocket dials url with the accepted origin and returns the
// connection together with the id from the connected greeting.
func ConnectWebSocket(url string) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, "", err
	}

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	var greeting server.Frame
	if err := conn.ReadJSON(&greeting); err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	var connected server.Connected
	if err := json.Unmarshal(greeting.Data, &connected); err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, connected.SocketID, nil
}

// SendEvent writes one event frame.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("Failed to send %q: %v", event, err)
	}
}

// ExpectEvent reads until a frame named event arrives, skipping others.
func ExpectEvent(t *testing.T, conn *websocket.Conn, event string) server.Frame {
	t.Helper()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		var f server.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("Failed waiting for %q: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// JoinRoom joins roomName and waits for the client's own arrival.
func JoinRoom(t *testing.T, conn *websocket.Conn, id, roomName, name string) {
	t.Helper()
	SendEvent(t, conn, server.EventJoin, server.JoinRequest{Room: roomName, Name: name})
	for {
		var joined server.UserPresence
		DecodeData(t, ExpectEvent(t, conn, server.EventUserJoined), &joined)
		if joined.SocketID == id {
			return
		}
	}
}

// DecodeData unmarshals the frame payload into v.
func DecodeData(t *testing.T, f server.Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("Failed to decode %q data %s: %v", f.Event, f.Data, err)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// GetJSON issues a GET and decodes the JSON body into v.
func GetJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode GET %s response: %v", url, err)
		}
	}
	return resp
}

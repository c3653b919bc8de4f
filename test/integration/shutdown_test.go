package integration

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/test/testhelpers"
)

// TestGracefulShutdown verifies that an idle hub stops within the timeout.
func TestGracefulShutdown(t *testing.T) {
	hub := server.NewHub(server.HubDeps{})
	go hub.Run()

	if err := hub.Shutdown(5 * time.Second); err != nil {
		t.Errorf("Hub shutdown failed: %v", err)
	}
}

// TestGracefulShutdownWithClients verifies that joined clients are
// disconnected when the server and hub shut down.
func TestGracefulShutdownWithClients(t *testing.T) {
	ts := testhelpers.StartServer(t, room.Room{Name: "Kitchen"})
	defer ts.HTTP.Close()
	defer ts.Dispatcher.Close()

	const numClients = 5
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		conn, id, err := testhelpers.ConnectWebSocket(ts.WSURL)
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i, err)
		}
		defer conn.Close()
		testhelpers.JoinRoom(t, conn, id, "Kitchen", "")
		clients[i] = conn
	}

	performGracefulShutdown(t, ts)
	verifyClientsDisconnected(t, clients)
}

// TestShutdownKeepsDeliveredHistory verifies that a message acknowledged
// before shutdown is readable from storage afterwards.
func TestShutdownKeepsDeliveredHistory(t *testing.T) {
	ts := testhelpers.StartServer(t, room.Room{Name: "Kitchen"})
	defer ts.HTTP.Close()
	defer ts.Dispatcher.Close()

	conn, id, err := testhelpers.ConnectWebSocket(ts.WSURL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	testhelpers.JoinRoom(t, conn, id, "Kitchen", "alice")

	testhelpers.SendEvent(t, conn, server.EventChatMessage, server.ChatRequest{Room: "Kitchen", Msg: "last words", Sender: "alice"})
	testhelpers.ExpectEvent(t, conn, server.EventChatMessage)

	if err := ts.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	var body struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	resp := testhelpers.GetJSON(t, ts.URL+"/rooms/Kitchen/messages", &body)
	testhelpers.AssertStatusCode(t, resp, 200)
	if len(body.Messages) != 1 || body.Messages[0].Text != "last words" {
		t.Errorf("Expected the stored message after shutdown, got %+v", body.Messages)
	}
}

// performGracefulShutdown closes the notification streams, then shuts down
// the HTTP server and the hub within a bounded time.
func performGracefulShutdown(t *testing.T, ts *testhelpers.TestServer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownComplete := make(chan error, 1)
	go func() {
		ts.Dispatcher.Close()
		if err := ts.Hub.Shutdown(5 * time.Second); err != nil {
			shutdownComplete <- err
			return
		}
		shutdownComplete <- server.ShutdownServer(ctx, ts.HTTP.Config)
	}()

	select {
	case err := <-shutdownComplete:
		if err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Shutdown timeout exceeded")
	}
}

// verifyClientsDisconnected checks that every connection reads an error.
func verifyClientsDisconnected(t *testing.T, clients []*websocket.Conn) {
	t.Helper()
	for i, conn := range clients {
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
					t.Errorf("Client %d still connected after shutdown", i)
				}
				break
			}
		}
	}
}

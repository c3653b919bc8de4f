package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":0", handler)

	if srv.Addr != ":0" {
		t.Errorf("Expected addr :0, got %s", srv.Addr)
	}
	if srv.Handler != handler {
		t.Error("Handler not installed")
	}
	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 || srv.IdleTimeout == 0 {
		t.Errorf("Expected timeouts to be set: %+v", srv)
	}
}

func TestStartAndShutdownServer(t *testing.T) {
	srv := CreateServer("127.0.0.1:0", http.NewServeMux())

	errCh := make(chan error, 1)
	go func() { errCh <- StartServer(srv) }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ShutdownServer(ctx, srv); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("StartServer returned %v after a clean shutdown", err)
		}
	case <-time.After(time.Second):
		t.Error("StartServer did not return after shutdown")
	}
}

func TestMessageSizeLimitClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxMessageSize = 256 })

	conn, _ := env.dial(t)
	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	send(t, conn, EventChatMessage, ChatRequest{Room: "Kitchen", Msg: string(big)})

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := env.hub.ClientCount(); n != 0 {
		t.Errorf("Expected oversized sender to be dropped, %d clients remain", n)
	}
}

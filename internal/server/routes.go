// Package server wires HTTP handlers into a ServeMux for the room chat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. Room names travel as a single path segment and are looked up in the
// registry per request.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.ListRoomsHandler)
	mux.HandleFunc("GET /rooms", h.ListRoomsHandler)
	mux.HandleFunc("GET /rooms/{room}/messages", h.RoomMessagesHandler)
	mux.HandleFunc("GET /health", h.HealthHandler)
	mux.HandleFunc("GET /version", h.VersionHandler)
	mux.HandleFunc("/admin", h.WebSocketHandler)
	mux.HandleFunc("POST /verify-password", h.VerifyPasswordHandler)
	mux.HandleFunc("POST /newroom", h.NewRoomHandler)
	mux.HandleFunc("GET /check-messages/{room}", h.CheckMessagesHandler)
	mux.HandleFunc("GET /notify/{room}", h.NotifyStreamHandler)
	mux.HandleFunc("POST /subscribe", h.SubscribeHandler)
	mux.HandleFunc("GET /vapid-public-key", h.VAPIDKeyHandler)
	return mux
}

// Package server exposes HTTP handlers: the WebSocket upgrade, room
// management, the poll and stream notification endpoints, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/store"
)

const maxRequestBody = 64 << 10

// HandlerDeps are the collaborators the HTTP handlers read from.
type HandlerDeps struct {
	Config        *Config
	Hub           *Hub
	Rooms         *room.Registry
	Store         store.Store
	Watermarks    *notify.Watermarks
	Streams       *notify.Streams
	Subscriptions *notify.SubscriptionStore
	// StorageHealth reports backend health for /health; optional.
	StorageHealth func() []store.BackendHealth
}

// Handlers holds the HTTP endpoints of the service.
type Handlers struct {
	deps     HandlerDeps
	cfg      *Config
	upgrader websocket.Upgrader
}

// NewHandlers builds the handler set. The WebSocket upgrader checks origins
// against cfg.AllowedOrigins.
func NewHandlers(deps HandlerDeps) *Handlers {
	cfg := deps.Config
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := sanitizeConfig(*cfg)
	policy := newOriginPolicy(sanitized.AllowedOrigins)
	return &Handlers{
		deps: deps,
		cfg:  &sanitized,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Error writing JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Success: false, Error: code, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return false
	}
	return true
}

// clientAddr is the first X-Forwarded-For hop when present, else the remote host.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WebSocketHandler handles WebSocket upgrade requests on the realtime
// namespace. It validates that the request uses the GET method, upgrades the
// HTTP connection, creates a new Client, and registers it with the hub, which
// starts its pumps.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.deps.Hub, clientAddr(r))
	if !h.deps.Hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// HealthHandler reports liveness and the state of each storage backend.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.deps.StorageHealth != nil {
		body["storage"] = h.deps.StorageHealth()
	}
	writeJSON(w, http.StatusOK, body)
}

// VersionHandler returns the configured application version.
func (h *Handlers) VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.cfg.AppVersion})
}

// ListRoomsHandler returns room names in configuration order.
func (h *Handlers) ListRoomsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"rooms": h.deps.Rooms.List()})
}

// RoomMessagesHandler returns the room's full history, oldest first.
func (h *Handlers) RoomMessagesHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	if !h.deps.Rooms.Exists(name) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Room not found")
		return
	}
	msgs, err := h.deps.Store.LoadAll(r.Context(), name)
	if err != nil {
		log.Warn().Err(err).Str("room", name).Msg("Failed to load room history")
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": name, "messages": msgs})
}

type verifyPasswordRequest struct {
	Room     string `json:"room"`
	Password string `json:"password"`
}

// VerifyPasswordHandler checks a room password. Failed attempts are limited
// per client address and room.
func (h *Handlers) VerifyPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	addr := clientAddr(r)
	err := h.deps.Rooms.Verify(r.Context(), addr, req.Room, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Room not found")
	case errors.Is(err, room.ErrRateLimited):
		log.Warn().Str("room", req.Room).Str("addr", addr).Msg("Password attempts exhausted")
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many failed attempts. Try again later.")
	case errors.Is(err, room.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Incorrect password")
	default:
		log.Error().Err(err).Str("room", req.Room).Msg("Password verification failed")
		writeError(w, http.StatusInternalServerError, CodeUnavailable, "verification failed")
	}
}

type newRoomRequest struct {
	Room     string `json:"room"`
	Password string `json:"password,omitempty"`
	Save     bool   `json:"save,omitempty"`
}

// NewRoomHandler creates a room, optionally saving it to the rooms file.
func (h *Handlers) NewRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req newRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := h.deps.Rooms.Create(req.Room, req.Password, req.Save)
	switch {
	case errors.Is(err, room.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "room already exists"})
		return
	case errors.Is(err, room.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		// The room exists in memory; only the save failed.
		log.Warn().Err(err).Str("room", req.Room).Msg("Room created but not saved")
	}
	writeJSON(w, http.StatusOK, map[string]string{"room": created.Name})
}

type checkMessagesResponse struct {
	Success  bool            `json:"success"`
	Messages []store.Message `json:"messages"`
}

// CheckMessagesHandler returns the room's messages past its shared poll
// watermark and advances the watermark.
func (h *Handlers) CheckMessagesHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	// Unknown rooms get a structured 404 rather than an empty success, so
	// pollers of a deleted or mistyped room see an error on every poll.
	if !h.deps.Rooms.Exists(name) {
		writeJSON(w, http.StatusNotFound, checkMessagesResponse{Messages: []store.Message{}})
		return
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		user = "unknown"
	}

	msgs, err := h.deps.Watermarks.Check(r.Context(), name)
	if err != nil {
		log.Warn().Err(err).Str("room", name).Str("user", user).Msg("Poll failed")
		writeJSON(w, http.StatusServiceUnavailable, checkMessagesResponse{Messages: []store.Message{}})
		return
	}
	log.Debug().Str("room", name).Str("user", user).Int("messages", len(msgs)).Msg("Poll served")
	writeJSON(w, http.StatusOK, checkMessagesResponse{Success: true, Messages: msgs})
}

// NotifyStreamHandler opens the room's event stream.
func (h *Handlers) NotifyStreamHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	if !h.deps.Rooms.Exists(name) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Room not found")
		return
	}
	h.deps.Streams.Serve(w, r, name)
}

type subscribeRequest struct {
	User         string              `json:"user"`
	Subscription notify.Subscription `json:"subscription"`
}

// SubscribeHandler stores a Web Push subscription for a user.
func (h *Handlers) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "push notifications are not configured")
		return
	}
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.deps.Subscriptions.Save(r.Context(), req.User, req.Subscription)
	switch {
	case errors.Is(err, notify.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("user", req.User).Msg("Failed to save push subscription")
		writeError(w, http.StatusInternalServerError, CodeUnavailable, "subscription not saved")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

// VAPIDKeyHandler returns the public key clients subscribe with.
func (h *Handlers) VAPIDKeyHandler(w http.ResponseWriter, _ *http.Request) {
	if !h.cfg.VAPID.Enabled() {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.cfg.VAPID.PublicKey})
}

// Package server coordinates client registration, room membership, and event
// fan-out for the room chat WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/store"
)

const (
	roomQueueSize = 256
	storeTimeout  = 5 * time.Second
)

// Notifier receives activity signals from the hub. Implementations must not
// block; delivery failures stay inside the notifier.
type Notifier interface {
	MessagePosted(room string, msg store.Message)
	NotifyUser(user string, p notify.Payload)
}

// HubDeps are the collaborators a Hub is built from.
type HubDeps struct {
	Config   *Config
	Rooms    *room.Registry
	Store    store.Store
	Presence *presence.Tracker
	Notifier Notifier
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Hub manages all WebSocket client connections and routes their events.
// Registration and unregistration go through the Run loop; every event that
// touches a room is handed to that room's worker, a single goroutine that
// owns the room's member set and processes events one at a time in arrival
// order. Persistence happens inside the worker before the broadcast, so no
// member sees a chat message that was not yet written.
type Hub struct {
	cfg      *Config
	rooms    *room.Registry
	store    store.Store
	presence *presence.Tracker
	notifier Notifier
	clock    func() time.Time

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex

	workersMu sync.Mutex
	workers   map[string]*roomWorker

	pumps   sync.WaitGroup
	running sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a Hub ready to Run. Missing optional collaborators are
// replaced by no-op or in-memory versions.
func NewHub(deps HubDeps) *Hub {
	cfg := deps.Config
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := sanitizeConfig(*cfg)

	tracker := deps.Presence
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        &sanitized,
		rooms:      deps.Rooms,
		store:      deps.Store,
		presence:   tracker,
		notifier:   notifier,
		clock:      clock,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		workers:    make(map[string]*roomWorker),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if deps.Rooms != nil {
		deps.Rooms.OnCreate(h.roomCreated)
	}
	return h
}

// roomCreated starts the worker of a room created at runtime so its first
// join does not pay for it.
func (h *Hub) roomCreated(r room.Room) {
	if h.worker(r.Name) != nil {
		log.Info().Str("room", r.Name).Msg("Room available")
	}
}

type nopNotifier struct{}

func (nopNotifier) MessagePosted(string, store.Message) {}
func (nopNotifier) NotifyUser(string, notify.Payload)   {}

// Presence exposes the tracker the hub maintains.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register hands a new client to the Run loop. It returns false once the hub
// is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Warn().Msg("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	c.logger.Info().Int("clients", clientCount).Msg("Client registered")

	c.sendEvent(EventConnected, Connected{SocketID: c.id})

	if c.conn == nil {
		return
	}
	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer h.pumps.Done()
		c.readPump()
	}()
}

// removeClient moves c to its terminal state and schedules a leave on every
// room it joined. A join still queued for another room sees the closed flag
// and backs out on its own.
func (h *Hub) removeClient(c *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	c.closed.Store(true)
	for _, name := range c.joinedRooms() {
		h.enqueue(name, func(w *roomWorker) { h.handleLeave(w, c) })
	}
	c.markDone()
	c.logger.Info().Int("clients", clientCount).Msg("Client unregistered")
}

// dispatch decodes one inbound frame and routes it. Payload and room errors
// are answered on the originating connection only.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		c.logger.Debug().Err(err).Msg("Invalid frame")
		c.sendError(CodeInvalidPayload, "expected {\"event\": ..., \"data\": ...}")
		return
	}

	switch frame.Event {
	case EventJoin:
		var req JoinRequest
		if h.decode(c, frame, &req) && h.roomKnown(c, req.Room) {
			h.enqueue(req.Room, func(w *roomWorker) { h.handleJoin(w, c, req) })
		}
	case EventChatMessage:
		var req ChatRequest
		if h.decode(c, frame, &req) && h.roomKnown(c, req.Room) {
			h.enqueue(req.Room, func(w *roomWorker) { h.handleChat(w, req) })
		}
	case EventEditMessage:
		var req EditRequest
		if h.decode(c, frame, &req) && h.roomKnown(c, req.Room) {
			h.enqueue(req.Room, func(w *roomWorker) {
				w.broadcast(EventMessageEdited, MessageEdited{Sender: req.Sender, NewText: req.NewText})
			})
		}
	case EventAlarm:
		var req AlarmRequest
		if h.decode(c, frame, &req) && h.roomKnown(c, req.Room) {
			h.enqueue(req.Room, func(w *roomWorker) {
				w.broadcast(EventAlarm, Alarm{Sender: req.Sender, Timestamp: req.Timestamp})
			})
		}
	case EventAddReaction, EventRemoveReaction:
		op := store.ReactionAdd
		if frame.Event == EventRemoveReaction {
			op = store.ReactionRemove
		}
		var req ReactionRequest
		if !h.decode(c, frame, &req) || !h.roomKnown(c, req.Room) {
			return
		}
		if req.Emoji == "" || req.User == "" {
			c.sendError(CodeInvalidPayload, "emoji and user are required")
			return
		}
		h.enqueue(req.Room, func(w *roomWorker) { h.handleReaction(w, c, req, op) })
	default:
		c.sendError(CodeInvalidPayload, fmt.Sprintf("unknown event %q", frame.Event))
	}
}

func (h *Hub) decode(c *Client, frame Frame, v any) bool {
	if len(frame.Data) == 0 {
		c.sendError(CodeInvalidPayload, frame.Event+": missing data")
		return false
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		c.sendError(CodeInvalidPayload, frame.Event+": "+err.Error())
		return false
	}
	return true
}

func (h *Hub) roomKnown(c *Client, name string) bool {
	if h.rooms == nil || h.rooms.Exists(name) {
		return true
	}
	c.sendError(CodeNotFound, fmt.Sprintf("room %q not found", name))
	return false
}

// handleJoin replays history to the joiner alone, records presence, then
// tells every member, the joiner included, about the new listing.
func (h *Hub) handleJoin(w *roomWorker, c *Client, req JoinRequest) {
	c.addRoom(w.name)
	if c.closed.Load() {
		c.removeRoom(w.name)
		return
	}

	history := h.loadHistory(w.name)
	for _, msg := range history {
		frame, err := encodeFrame(EventChatMessage, chatMessageFrom(msg))
		if err != nil {
			continue
		}
		if !c.sendWait(frame) {
			break
		}
	}

	w.members[c] = struct{}{}
	id := h.presence.Join(w.name, c.id, req.Name, req.Color)
	c.logger.Info().Str("room", w.name).Str("name", id.Name).Int("history", len(history)).Msg("Joined room")

	w.broadcast(EventUsersList, UsersList(h.presence.Listing(w.name)))
	w.broadcast(EventUserJoined, UserPresence{SocketID: c.id, Name: id.Name, Color: id.Color})
}

func (h *Hub) loadHistory(roomName string) []store.Message {
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	history, err := h.store.LoadAll(ctx, roomName)
	if err != nil {
		log.Warn().Err(err).Str("room", roomName).Msg("Failed to load room history")
		return nil
	}
	return history
}

// handleChat persists regular messages before broadcasting them. System
// messages skip the store. A store failure is logged and the message is still
// delivered live.
func (h *Hub) handleChat(w *roomWorker, req ChatRequest) {
	msg := store.Message{
		Room:            w.name,
		Text:            req.Msg,
		Sender:          req.Sender,
		Color:           req.Color,
		Timestamp:       w.stamp(h.clock()),
		IsSystemMessage: req.IsSystemMessage,
	}

	if msg.IsSystemMessage {
		if msg.Sender == "" {
			msg.Sender = SystemSender
		}
		if msg.Color == "" {
			msg.Color = SystemColor
		}
	} else {
		if msg.Sender == "" {
			msg.Sender = presence.DefaultName
		}
		if msg.Color == "" {
			msg.Color = store.DefaultColor
		}
		if h.store != nil {
			ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
			if err := h.store.Append(ctx, msg); err != nil {
				log.Warn().Err(err).Str("room", w.name).Msg("Message not persisted; delivering live only")
			}
			cancel()
		}
	}

	w.broadcast(EventChatMessage, chatMessageFrom(msg))
	h.notifier.MessagePosted(w.name, msg)
}

// handleReaction applies the change, broadcasts the message's new reaction
// map and, when someone reacts to another user's message, pushes a
// notification to the author.
func (h *Hub) handleReaction(w *roomWorker, c *Client, req ReactionRequest, op store.ReactionOp) {
	if h.store == nil {
		c.sendError(CodeUnavailable, "message store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	updated, err := h.store.MutateReactions(ctx, w.name, req.MessageTime.Time, req.Emoji, req.User, op)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.sendError(CodeNotFound, "message not found")
		return
	case err != nil:
		log.Warn().Err(err).Str("room", w.name).Str("op", op.String()).Msg("Reaction not applied")
		c.sendError(CodeUnavailable, "reaction could not be saved")
		return
	}

	reactions := updated.Reactions
	if reactions == nil {
		reactions = store.Reactions{}
	}
	w.broadcast(EventReactionUpdated, ReactionUpdated{
		MessageTime: req.MessageTime,
		Emoji:       req.Emoji,
		User:        req.User,
		Reactions:   reactions,
	})

	if updated.Sender != "" && updated.Sender != req.User {
		h.notifier.NotifyUser(updated.Sender, reactionPayload(w.name, req, op, updated))
	}
}

func reactionPayload(roomName string, req ReactionRequest, op store.ReactionOp, msg store.Message) notify.Payload {
	verb := "reacted"
	if op == store.ReactionRemove {
		verb = "removed a reaction"
	}
	return notify.Payload{
		Title: fmt.Sprintf("%s %s %s", req.User, verb, req.Emoji),
		Body:  truncate(msg.Text, 100),
		Tag:   fmt.Sprintf("reaction-%d", msg.Timestamp.UnixMilli()),
		Room:  roomName,
	}
}

// handleLeave drops c from the room and tells the remaining members.
func (h *Hub) handleLeave(w *roomWorker, c *Client) {
	delete(w.members, c)
	c.removeRoom(w.name)

	id, ok := h.presence.LeaveRoom(w.name, c.id)
	if !ok {
		return
	}
	w.broadcast(EventUserLeft, UserPresence{SocketID: c.id, Name: id.Name})
	w.broadcast(EventUsersList, UsersList(h.presence.Listing(w.name)))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.Info().Msg("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mutex.Unlock()

	for _, client := range clients {
		client.closed.Store(true)
		h.presence.Leave(client.id)
		client.markDone()
		client.closeConn()
	}

	log.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Msg("Initiating hub shutdown...")

	h.cancel()

	select {
	case <-h.done:
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		h.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

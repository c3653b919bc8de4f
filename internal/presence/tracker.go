// Package presence tracks which connections are in which rooms and the
// display identity each connection chose when it joined.
package presence

import (
	"sort"
	"sync"
)

// Default identity for a join that omits name or color.
const (
	DefaultName  = "User"
	DefaultColor = "#667eea"
)

// Identity is how a connection appears to the other members of a room.
type Identity struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Departure describes one room a connection left.
type Departure struct {
	Room     string
	Identity Identity
}

// Tracker owns the presence map. All methods are safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Identity
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]Identity)}
}

// Join records connID in room, replacing any identity it had there. Empty
// fields fall back to the defaults; the stored identity is returned.
func (t *Tracker) Join(room, connID, name, color string) Identity {
	id := Identity{Name: name, Color: color}
	if id.Name == "" {
		id.Name = DefaultName
	}
	if id.Color == "" {
		id.Color = DefaultColor
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[string]Identity)
		t.rooms[room] = members
	}
	members[connID] = id
	return id
}

// Leave removes connID from every room it joined and returns what it left,
// sorted by room name. Rooms left empty are dropped.
func (t *Tracker) Leave(connID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Departure
	for room, members := range t.rooms {
		id, ok := members[connID]
		if !ok {
			continue
		}
		delete(members, connID)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
		out = append(out, Departure{Room: room, Identity: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// LeaveRoom removes connID from a single room.
func (t *Tracker) LeaveRoom(room, connID string) (Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.rooms[room]
	if !ok {
		return Identity{}, false
	}
	id, ok := members[connID]
	if !ok {
		return Identity{}, false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(t.rooms, room)
	}
	return id, true
}

// Listing returns a copy of the room's connection to identity map. An empty
// room yields an empty, non-nil map.
func (t *Tracker) Listing(room string) map[string]Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Identity, len(t.rooms[room]))
	for connID, id := range t.rooms[room] {
		out[connID] = id
	}
	return out
}

// IdentityOf returns the identity connID holds in room.
func (t *Tracker) IdentityOf(room, connID string) (Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.rooms[room][connID]
	return id, ok
}

// RoomsOf lists the rooms connID is present in, sorted.
func (t *Tracker) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for room, members := range t.rooms {
		if _, ok := members[connID]; ok {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of connections present in room.
func (t *Tracker) Count(room string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[room])
}

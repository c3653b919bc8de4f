package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHeartbeat is the idle interval between keepalive comments.
const DefaultHeartbeat = 30 * time.Second

const streamBuffer = 16

// Event types carried in the stream envelope.
const (
	EventMessage       = "message"
	EventSystemMessage = "system-message"
)

// Event is the small envelope written to every open stream of a room.
type Event struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

type stream struct {
	events chan Event
	once   sync.Once
}

func (s *stream) close() {
	s.once.Do(func() { close(s.events) })
}

// Streams is the registry of open event streams keyed by room. A room entry
// is dropped as soon as its last stream closes.
type Streams struct {
	heartbeat time.Duration

	mu     sync.RWMutex
	rooms  map[string]map[*stream]struct{}
	closed bool
}

// NewStreams returns an empty registry; heartbeat <= 0 selects DefaultHeartbeat.
func NewStreams(heartbeat time.Duration) *Streams {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Streams{
		heartbeat: heartbeat,
		rooms:     make(map[string]map[*stream]struct{}),
	}
}

func (s *Streams) subscribe(room string) (*stream, bool) {
	st := &stream{events: make(chan Event, streamBuffer)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	set, ok := s.rooms[room]
	if !ok {
		set = make(map[*stream]struct{})
		s.rooms[room] = set
	}
	set[st] = struct{}{}
	return st, true
}

func (s *Streams) unsubscribe(room string, st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.rooms[room]
	if !ok {
		return
	}
	if _, ok := set[st]; !ok {
		return
	}
	delete(set, st)
	if len(set) == 0 {
		delete(s.rooms, room)
	}
	st.close()
}

// Publish hands ev to every open stream of room without blocking. A stream
// whose buffer is full misses the event.
func (s *Streams) Publish(room string, ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for st := range s.rooms[room] {
		select {
		case st.events <- ev:
		default:
			log.Debug().Str("room", room).Msg("Dropping stream event for slow listener")
		}
	}
}

// Count returns the number of open streams for room.
func (s *Streams) Count(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Rooms returns the number of rooms with at least one open stream.
func (s *Streams) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Close ends every open stream and refuses new ones.
func (s *Streams) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for room, set := range s.rooms {
		for st := range set {
			st.close()
		}
		delete(s.rooms, room)
	}
}

// Serve streams room events to w until the client goes away or the registry
// closes. A keepalive comment is written after each idle heartbeat interval.
func (s *Streams) Serve(w http.ResponseWriter, r *http.Request, room string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	st, ok := s.subscribe(room)
	if !ok {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(room, st)

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Write deadline not adjustable for stream")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.With().Str("room", room).Str("addr", r.RemoteAddr).Logger()
	logger.Debug().Msg("Notification stream opened")
	defer logger.Debug().Msg("Notification stream closed")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-st.events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Warn().Err(err).Msg("Failed to write stream event")
				return
			}
			flusher.Flush()
			ticker.Reset(s.heartbeat)
		}
	}
}

package server

import (
	"time"

	"github.com/rs/zerolog/log"
)

// roomWorker serializes every event of one room. Its fields are touched only
// by its own goroutine.
type roomWorker struct {
	name    string
	jobs    chan func(*roomWorker)
	members map[*Client]struct{}
	last    time.Time
}

// enqueue hands job to the room's worker, starting it on first use. It blocks
// while the room's queue is full and gives up when the hub stops.
func (h *Hub) enqueue(name string, job func(*roomWorker)) {
	w := h.worker(name)
	if w == nil {
		return
	}
	select {
	case w.jobs <- job:
	case <-h.ctx.Done():
	}
}

func (h *Hub) worker(name string) *roomWorker {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()

	if h.ctx.Err() != nil {
		return nil
	}
	if w, ok := h.workers[name]; ok {
		return w
	}

	w := &roomWorker{
		name:    name,
		jobs:    make(chan func(*roomWorker), roomQueueSize),
		members: make(map[*Client]struct{}),
	}
	h.workers[name] = w
	h.running.Add(1)
	go func() {
		defer h.running.Done()
		w.run(h)
	}()
	log.Debug().Str("room", name).Msg("Room worker started")
	return w
}

func (w *roomWorker) run(h *Hub) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-w.jobs:
			job(w)
		}
	}
}

// stamp returns a millisecond timestamp strictly after the previous one in
// this room, so the timestamp identifies the message within the room.
func (w *roomWorker) stamp(now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !ts.After(w.last) {
		ts = w.last.Add(time.Millisecond)
	}
	w.last = ts
	return ts
}

// broadcast queues one frame for every member. Slow members are dropped by
// trySend rather than stalling the room.
func (w *roomWorker) broadcast(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.Error().Err(err).Str("room", w.name).Str("event", event).Msg("Failed to encode frame")
		return
	}
	for c := range w.members {
		if !c.trySend(frame) {
			delete(w.members, c)
		}
	}
}

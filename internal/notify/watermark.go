package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/roomchat/internal/store"
)

const loadTimeout = 5 * time.Second

// Watermarks serves the poll channel. Each room has one watermark shared by
// every caller: a poll returns the messages newer than it and moves it to the
// newest message returned. Two pollers of the same room therefore split the
// new messages between them. Watermarks live in memory only and never move
// backwards.
type Watermarks struct {
	store store.Store
	group singleflight.Group

	mu    sync.Mutex
	marks map[string]time.Time
}

// NewWatermarks returns a poll service reading from st.
func NewWatermarks(st store.Store) *Watermarks {
	return &Watermarks{store: st, marks: make(map[string]time.Time)}
}

// Check returns the room's messages past its watermark and advances it.
// Concurrent checks of one room share a single history load, which is not
// cancelled when the caller that started it goes away.
func (w *Watermarks) Check(ctx context.Context, room string) ([]store.Message, error) {
	v, err, _ := w.group.Do(room, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return w.store.LoadAll(loadCtx, room)
	})
	if err != nil {
		return nil, err
	}
	all := v.([]store.Message)

	w.mu.Lock()
	defer w.mu.Unlock()
	mark := w.marks[room]
	fresh := make([]store.Message, 0)
	for _, m := range all {
		if m.IsSystemMessage || !m.Timestamp.After(mark) {
			continue
		}
		fresh = append(fresh, m)
		if m.Timestamp.After(w.marks[room]) {
			w.marks[room] = m.Timestamp
		}
	}
	return fresh, nil
}

// Mark returns the room's current watermark; zero when never polled.
func (w *Watermarks) Mark(room string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[room]
}

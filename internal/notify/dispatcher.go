package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/roomchat/internal/store"
)

const pushTimeout = 10 * time.Second

// Dispatcher is the single entry point the hub uses to signal activity. None
// of its methods block on delivery.
type Dispatcher struct {
	streams *Streams
	pusher  *Pusher

	wg sync.WaitGroup
}

// NewDispatcher combines the stream registry with an optional pusher.
func NewDispatcher(streams *Streams, pusher *Pusher) *Dispatcher {
	return &Dispatcher{streams: streams, pusher: pusher}
}

// Streams exposes the stream registry for the HTTP handler.
func (d *Dispatcher) Streams() *Streams {
	return d.streams
}

// MessagePosted writes the message envelope to the room's open streams.
func (d *Dispatcher) MessagePosted(room string, msg store.Message) {
	ev := Event{Type: EventMessage, Text: msg.Text, Sender: msg.Sender}
	if msg.IsSystemMessage {
		ev.Type = EventSystemMessage
	}
	d.streams.Publish(room, ev)
}

// NotifyUser pushes p to user in the background. Without a pusher it is a
// no-op.
func (d *Dispatcher) NotifyUser(user string, p Payload) {
	if d.pusher == nil || user == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		n, err := d.pusher.NotifyUser(ctx, user, p)
		if err != nil {
			log.Warn().Err(err).Str("user", user).Msg("Push notification failed")
			return
		}
		log.Debug().Str("user", user).Int("delivered", n).Msg("Push notification sent")
	}()
}

// Close ends open streams and waits for pushes in flight.
func (d *Dispatcher) Close() {
	d.streams.Close()
	d.wg.Wait()
}

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/roomchat/internal/store"
)

// DefaultPollInterval is how often the poller checks its room.
const DefaultPollInterval = 5 * time.Second

const notificationBodyRunes = 100

// Notification is a local notification shown to the user.
type Notification struct {
	Title string
	Body  string
	Tag   string
	// Alarm notifications are shown even while the application is visible.
	Alarm bool
}

// Notifier displays notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type checkMessagesResponse struct {
	Success  bool            `json:"success"`
	Messages []store.Message `json:"messages"`
}

// Poller checks one room for unseen messages while the application is in the
// background and raises a notification for every message sent by someone
// else. The server's poll watermark decides which messages are unseen.
type Poller struct {
	base     *url.URL
	client   Doer
	notifier Notifier
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	room    string
	user    string
	visible bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller polls the server at base. interval <= 0 selects
// DefaultPollInterval.
func NewPoller(base string, client Doer, notifier Notifier, interval time.Duration) (*Poller, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		base:     u,
		client:   client,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
		visible:  true,
	}, nil
}

// UpdateRoom sets the current room and user. Polling restarts only when the
// room changes; a new user name applies from the next poll.
func (p *Poller) UpdateRoom(room, user string) {
	p.mu.Lock()
	oldRoom := p.room
	p.room, p.user = room, user
	if oldRoom == room && p.cancel != nil {
		p.mu.Unlock()
		return
	}
	cancel, done := p.detachLocked()
	p.startLocked()
	p.mu.Unlock()

	wait(cancel, done)
}

func (p *Poller) startLocked() {
	if p.room == "" || p.user == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	room := p.room
	go func() {
		defer close(done)
		p.run(ctx, room)
	}()
	log.Debug().Str("room", room).Dur("interval", p.interval).Msg("Polling started")
}

// detachLocked hands back the running loop's stop handles. The caller waits
// outside the lock because a poll in flight reads the current user.
func (p *Poller) detachLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	return cancel, done
}

func wait(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop ends polling. UpdateRoom starts it again.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.detachLocked()
	p.mu.Unlock()
	wait(cancel, done)
}

// SetVisible records whether the application is in the foreground.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = visible
}

// Visible reports the last foreground state.
func (p *Poller) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *Poller) currentUser() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Poller) run(ctx context.Context, room string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx, room); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("room", room).Msg("Poll failed")
			}
		}
	}
}

// Poll checks room once and notifies for each new message from another user.
func (p *Poller) Poll(ctx context.Context, room string) error {
	user := p.currentUser()

	target := p.base.JoinPath("check-messages").String() + "/" + url.PathEscape(room) +
		"?" + url.Values{"user": []string{user}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("check messages: status %d", resp.StatusCode)
	}
	var body checkMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode check messages: %w", err)
	}

	for _, msg := range body.Messages {
		if msg.Sender == user {
			continue
		}
		p.notify(ctx, messageNotification(msg.Sender, msg.Text, msg.Timestamp))
	}
	return nil
}

// MessageReceived raises a notification for a message delivered by another
// channel while the application is in the background.
func (p *Poller) MessageReceived(ctx context.Context, sender, text string) {
	if sender == p.currentUser() {
		return
	}
	p.notify(ctx, messageNotification(sender, text, p.now()))
}

// Show raises n unless the application is visible.
func (p *Poller) Show(ctx context.Context, n Notification) {
	if p.Visible() && !n.Alarm {
		return
	}
	p.notify(ctx, n)
}

// ShowAlarm raises n regardless of visibility.
func (p *Poller) ShowAlarm(ctx context.Context, n Notification) {
	n.Alarm = true
	p.notify(ctx, n)
}

func (p *Poller) notify(ctx context.Context, n Notification) {
	if err := p.notifier.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("tag", n.Tag).Msg("Notification not shown")
	}
}

func messageNotification(sender, text string, ts time.Time) Notification {
	body := []rune(text)
	if len(body) > notificationBodyRunes {
		body = body[:notificationBodyRunes]
	}
	return Notification{
		Title: "💬 " + sender,
		Body:  string(body),
		Tag:   fmt.Sprintf("chat-message-%d", ts.UnixMilli()),
	}
}

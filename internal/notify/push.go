package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pushFanOut caps concurrent deliveries for one NotifyUser call.
const pushFanOut = 8

// ErrInvalidSubscription rejects a subscription missing its user, endpoint or
// keys.
var ErrInvalidSubscription = errors.New("subscription requires user, endpoint and keys")

// Subscription is a browser push subscription as the client posts it.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

// Payload is the JSON body delivered to the client's push handler.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
	Room  string `json:"room,omitempty"`
}

type subscriptionModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	User      string `gorm:"column:user_name;size:100;not null;index"`
	Endpoint  string `gorm:"not null;uniqueIndex"`
	Auth      string `gorm:"not null"`
	P256dh    string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (subscriptionModel) TableName() string {
	return "push_subscriptions"
}

func (m subscriptionModel) subscription() Subscription {
	var s Subscription
	s.Endpoint = m.Endpoint
	s.Keys.Auth = m.Auth
	s.Keys.P256dh = m.P256dh
	return s
}

// SubscriptionStore keeps push subscriptions per user in the database.
type SubscriptionStore struct {
	db *gorm.DB
}

// NewSubscriptionStore wraps db. Call Migrate before first use.
func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Migrate creates or updates the subscriptions table.
func (s *SubscriptionStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&subscriptionModel{})
}

// Save records sub for user. Re-subscribing an endpoint moves it to user and
// refreshes its keys.
func (s *SubscriptionStore) Save(ctx context.Context, user string, sub Subscription) error {
	if user == "" || sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return ErrInvalidSubscription
	}
	model := subscriptionModel{
		ID:       uuid.NewString(),
		User:     user,
		Endpoint: sub.Endpoint,
		Auth:     sub.Keys.Auth,
		P256dh:   sub.Keys.P256dh,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "auth", "p256dh", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// ForUser lists every subscription registered by user.
func (s *SubscriptionStore) ForUser(ctx context.Context, user string) ([]Subscription, error) {
	var models []subscriptionModel
	if err := s.db.WithContext(ctx).Where("user_name = ?", user).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	out := make([]Subscription, 0, len(models))
	for _, m := range models {
		out = append(out, m.subscription())
	}
	return out, nil
}

// Delete drops the subscription with endpoint.
func (s *SubscriptionStore) Delete(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&subscriptionModel{}).Error; err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

// VAPIDConfig holds the application server keys used to sign pushes.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
}

// Enabled reports whether both keys are present.
func (c VAPIDConfig) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// WebPushSender sends through the subscription's push service.
type WebPushSender struct {
	cfg    VAPIDConfig
	client webpush.HTTPClient
}

// NewWebPushSender returns a sender signing with cfg. client may be nil.
func NewWebPushSender(cfg VAPIDConfig, client webpush.HTTPClient) *WebPushSender {
	if cfg.TTL <= 0 {
		cfg.TTL = 60
	}
	return &WebPushSender{cfg: cfg, client: client}
}

// Send posts payload to the push service. A 404 or 410 answer is reported as
// ErrSubscriptionGone, any other error status as ErrDelivery.
func (s *WebPushSender) Send(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		TTL:             s.cfg.TTL,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}

// Pusher fans a payload out to every subscription of a user.
type Pusher struct {
	subs   *SubscriptionStore
	sender Sender
}

// NewPusher returns a pusher reading subscriptions from subs.
func NewPusher(subs *SubscriptionStore, sender Sender) *Pusher {
	return &Pusher{subs: subs, sender: sender}
}

// NotifyUser delivers pl to each of user's subscriptions concurrently. Each
// failure is logged on its own and does not stop the others; subscriptions
// reported gone are deleted. The count of successful deliveries is returned.
func (p *Pusher) NotifyUser(ctx context.Context, user string, pl Payload) (int, error) {
	subs, err := p.subs.ForUser(ctx, user)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(pl)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	delivered := make([]bool, len(subs))
	var g errgroup.Group
	g.SetLimit(pushFanOut)
	for i, sub := range subs {
		g.Go(func() error {
			err := p.sender.Send(ctx, sub, body)
			if err == nil {
				delivered[i] = true
				return nil
			}
			logger := log.With().Str("user", user).Str("endpoint", sub.Endpoint).Logger()
			if errors.Is(err, ErrSubscriptionGone) {
				logger.Info().Msg("Removing expired push subscription")
				if err := p.subs.Delete(ctx, sub.Endpoint); err != nil {
					logger.Warn().Err(err).Msg("Failed to remove push subscription")
				}
				return nil
			}
			logger.Warn().Err(err).Msg("Push delivery failed")
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range delivered {
		if ok {
			n++
		}
	}
	return n, nil
}

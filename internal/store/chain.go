package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetryInterval is how long a failed backend is skipped before the
// chain tries it again.
const DefaultRetryInterval = 30 * time.Second

// BackendHealth is a point-in-time view of one backend in the chain.
type BackendHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"lastError,omitempty"`
	FailedAt  time.Time `json:"failedAt,omitempty"`
}

type rankedBackend struct {
	Backend

	mu       sync.Mutex
	healthy  bool
	failedAt time.Time
	lastErr  error
}

func (b *rankedBackend) markHealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy {
		log.Info().Str("backend", b.Name()).Msg("Storage backend recovered")
	}
	b.healthy = true
	b.lastErr = nil
}

func (b *rankedBackend) markFailed(err error, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.healthy {
		log.Warn().Err(err).Str("backend", b.Name()).Msg("Storage backend marked unhealthy")
	}
	b.healthy = false
	b.failedAt = now
	b.lastErr = err
}

func (b *rankedBackend) available(now time.Time, retry time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy || now.Sub(b.failedAt) >= retry
}

// Chain is a Store that tries its backends in rank order. A backend that fails
// is remembered as unhealthy and skipped until the retry interval elapses, so
// an outage costs one failed call rather than one per operation.
type Chain struct {
	backends []*rankedBackend
	retry    time.Duration
	now      func() time.Time
}

var _ Store = (*Chain)(nil)

// NewChain ranks the given backends in argument order.
func NewChain(retry time.Duration, backends ...Backend) *Chain {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	ranked := make([]*rankedBackend, 0, len(backends))
	for _, b := range backends {
		if b == nil {
			continue
		}
		ranked = append(ranked, &rankedBackend{Backend: b, healthy: true})
	}
	return &Chain{backends: ranked, retry: retry, now: time.Now}
}

// Health reports the state of every backend in rank order.
func (c *Chain) Health() []BackendHealth {
	out := make([]BackendHealth, 0, len(c.backends))
	for _, b := range c.backends {
		b.mu.Lock()
		h := BackendHealth{Name: b.Name(), Healthy: b.healthy, FailedAt: b.failedAt}
		if b.lastErr != nil {
			h.LastError = b.lastErr.Error()
		}
		b.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// order lists available backends first, then the ones still inside their
// retry window so that a full outage still gets a best attempt.
func (c *Chain) order() []*rankedBackend {
	now := c.now()
	ready := make([]*rankedBackend, 0, len(c.backends))
	var deferred []*rankedBackend
	for _, b := range c.backends {
		if b.available(now, c.retry) {
			ready = append(ready, b)
		} else {
			deferred = append(deferred, b)
		}
	}
	return append(ready, deferred...)
}

// try runs op on each backend in order until one succeeds. ErrNotFound from a
// backend is not a failure; the next backend may still hold the message.
func (c *Chain) try(ctx context.Context, op string, fn func(Backend) error) error {
	if len(c.backends) == 0 {
		return fmt.Errorf("%s: %w: no backends configured", op, ErrPersistence)
	}

	var errs []error
	notFound := 0
	for _, b := range c.order() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(b.Backend)
		if err == nil {
			b.markHealthy()
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			notFound++
			continue
		}
		b.markFailed(err, c.now())
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}

	if len(errs) == 0 && notFound > 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, errors.Join(errs...))
}

// Append records msg in the first backend that accepts it.
func (c *Chain) Append(ctx context.Context, msg Message) error {
	if msg.IsSystemMessage {
		return nil
	}
	return c.try(ctx, "append", func(b Backend) error {
		return b.Append(ctx, msg)
	})
}

// LoadAll reads the room from the first backend that answers. Messages that
// landed in a fallback during an outage are not merged back, so they drop out
// of history once the primary recovers.
func (c *Chain) LoadAll(ctx context.Context, room string) ([]Message, error) {
	var out []Message
	err := c.try(ctx, "load", func(b Backend) error {
		msgs, err := b.LoadAll(ctx, room)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	filtered := make([]Message, 0, len(out))
	for _, m := range out {
		if !m.IsSystemMessage {
			filtered = append(filtered, m)
		}
	}
	SortByTime(filtered)
	return filtered, nil
}

// FindByTimestamp asks each backend in turn for the message.
func (c *Chain) FindByTimestamp(ctx context.Context, room string, ts time.Time) (Message, error) {
	var out Message
	err := c.try(ctx, "find", func(b Backend) error {
		msg, err := b.FindByTimestamp(ctx, room, ts)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

// MutateReactions updates the message in the first backend that holds it.
func (c *Chain) MutateReactions(ctx context.Context, room string, ts time.Time, emoji, user string, op ReactionOp) (Message, error) {
	var out Message
	err := c.try(ctx, "react", func(b Backend) error {
		msg, err := b.MutateReactions(ctx, room, ts, emoji, user, op)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

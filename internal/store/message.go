// Package store persists room messages behind a single Store interface and
// ranks several storage backends so that a failing primary falls back to the
// next one without surfacing errors to the realtime path.
package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"
)

// DefaultColor is the display color used when a sender does not pick one.
const DefaultColor = "#667eea"

var (
	// ErrNotFound is returned when no message in the room has the requested timestamp.
	ErrNotFound = errors.New("message not found")
	// ErrPersistence is returned when every backend failed the operation.
	ErrPersistence = errors.New("persistence failure")
)

// ReactionOp selects whether a reaction is added or removed.
type ReactionOp int

const (
	ReactionAdd ReactionOp = iota
	ReactionRemove
)

func (op ReactionOp) String() string {
	if op == ReactionRemove {
		return "remove"
	}
	return "add"
}

// Reactions maps an emoji to the set of users who reacted with it. The user
// slice is kept free of duplicates.
type Reactions map[string][]string

// Apply returns a copy of r with the reaction applied. Adding a user that is
// already present and removing one that is absent leave the result unchanged.
// An emoji whose user set becomes empty is dropped.
func (r Reactions) Apply(emoji, user string, op ReactionOp) Reactions {
	out := r.Clone()
	users := out[emoji]
	idx := slices.Index(users, user)

	switch op {
	case ReactionAdd:
		if idx >= 0 {
			return out
		}
		out[emoji] = append(users, user)
	case ReactionRemove:
		if idx < 0 {
			return out
		}
		users = slices.Delete(users, idx, idx+1)
		if len(users) == 0 {
			delete(out, emoji)
		} else {
			out[emoji] = users
		}
	}
	return out
}

// Clone returns a deep copy; a nil receiver yields an empty map.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Message is one chat line in a room. Room plus Timestamp identify it.
type Message struct {
	Room            string    `json:"room,omitempty"`
	Text            string    `json:"text"`
	Sender          string    `json:"sender"`
	Color           string    `json:"color"`
	Timestamp       time.Time `json:"timestamp"`
	IsSystemMessage bool      `json:"isSystemMessage"`
	Reactions       Reactions `json:"reactions,omitempty"`
}

// Store is the persistence contract used by the hub and the poll endpoint.
type Store interface {
	// Append durably records msg. System messages are never recorded.
	Append(ctx context.Context, msg Message) error
	// LoadAll returns every message of the room ordered by ascending timestamp.
	LoadAll(ctx context.Context, room string) ([]Message, error)
	// FindByTimestamp returns the first message of the room with exactly ts.
	FindByTimestamp(ctx context.Context, room string, ts time.Time) (Message, error)
	// MutateReactions applies a reaction change and returns the updated message.
	MutateReactions(ctx context.Context, room string, ts time.Time, emoji, user string, op ReactionOp) (Message, error)
}

// Backend is a single storage implementation that can take part in a Chain.
type Backend interface {
	Store
	Name() string
}

// SortByTime orders messages by ascending timestamp, keeping insertion order
// for equal timestamps.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// SameInstant reports whether two timestamps match at millisecond precision,
// which is the precision clients echo back.
func SameInstant(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

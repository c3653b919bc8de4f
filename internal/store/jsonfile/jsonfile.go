// Package jsonfile keeps each room's messages in a flat JSON file. It is the
// local fallback behind the database backend.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/store"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Backend writes room_messages_<room>.json files under Dir.
type Backend struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend rooted at dir, creating it when missing.
func New(dir string) (*Backend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create messages dir: %w", err)
	}
	return &Backend{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Name identifies the backend in logs and health reports.
func (b *Backend) Name() string {
	return "jsonfile"
}

// FileName maps a room to its file name. Every non-alphanumeric character
// becomes an underscore, so distinct rooms can share a file; entries carry
// their room name to tell them apart.
func FileName(room string) string {
	return "room_messages_" + unsafeChars.ReplaceAllString(room, "_") + ".json"
}

func (b *Backend) path(room string) string {
	return filepath.Join(b.dir, FileName(room))
}

func (b *Backend) lock(room string) func() {
	name := FileName(room)
	b.mu.Lock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Append rewrites the room file with msg added at the end.
func (b *Backend) Append(ctx context.Context, msg store.Message) error {
	if msg.IsSystemMessage {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.lock(msg.Room)
	defer unlock()

	msgs, err := b.read(msg.Room)
	if err != nil {
		return err
	}
	return b.write(msg.Room, append(msgs, msg))
}

// LoadAll returns the room's messages sorted by timestamp. A missing file is
// an empty room.
func (b *Backend) LoadAll(ctx context.Context, room string) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := b.lock(room)
	defer unlock()

	all, err := b.read(room)
	if err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(all))
	for _, m := range all {
		if m.Room == room {
			msgs = append(msgs, m)
		}
	}
	store.SortByTime(msgs)
	return msgs, nil
}

// FindByTimestamp scans the room file for the first exact timestamp match.
func (b *Backend) FindByTimestamp(ctx context.Context, room string, ts time.Time) (store.Message, error) {
	msgs, err := b.LoadAll(ctx, room)
	if err != nil {
		return store.Message{}, err
	}
	for _, m := range msgs {
		if store.SameInstant(m.Timestamp, ts) {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

// MutateReactions updates the matching message and rewrites the file.
func (b *Backend) MutateReactions(ctx context.Context, room string, ts time.Time, emoji, user string, op store.ReactionOp) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	unlock := b.lock(room)
	defer unlock()

	msgs, err := b.read(room)
	if err != nil {
		return store.Message{}, err
	}
	for i := range msgs {
		if msgs[i].Room != room || !store.SameInstant(msgs[i].Timestamp, ts) {
			continue
		}
		msgs[i].Reactions = msgs[i].Reactions.Apply(emoji, user, op)
		if len(msgs[i].Reactions) == 0 {
			msgs[i].Reactions = nil
		}
		if err := b.write(room, msgs); err != nil {
			return store.Message{}, err
		}
		return msgs[i], nil
	}
	return store.Message{}, store.ErrNotFound
}

// read returns every entry of the room's file. Entries written without a room
// name belong to room.
func (b *Backend) read(room string) ([]store.Message, error) {
	data, err := os.ReadFile(b.path(room))
	if errors.Is(err, os.ErrNotExist) {
		return []store.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName(room), err)
	}

	var msgs []store.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FileName(room), err)
	}
	for i := range msgs {
		if msgs[i].Room == "" {
			msgs[i].Room = room
		}
	}
	return msgs, nil
}

// write replaces the file atomically through a temp file and rename.
func (b *Backend) write(room string, msgs []store.Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", FileName(room), err)
	}

	tmp, err := os.CreateTemp(b.dir, FileName(room)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", FileName(room), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", FileName(room), err)
	}
	if err := os.Rename(tmpName, b.path(room)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", FileName(room), err)
	}
	return nil
}

// Package room holds the set of known chat rooms and their optional
// passwords. Rooms come from the rooms file at startup and may be created at
// runtime; a created room can be appended back to the file.
package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned for a room name the registry does not know.
	ErrNotFound = errors.New("room not found")
	// ErrAlreadyExists is returned when creating a room whose name is taken.
	ErrAlreadyExists = errors.New("room already exists")
	// ErrRateLimited is returned when a client exhausted its password attempts.
	ErrRateLimited = errors.New("too many password attempts")
	// ErrWrongPassword is returned when the supplied password does not match.
	ErrWrongPassword = errors.New("incorrect password")
	// ErrInvalidName is returned when creating a room with an empty name.
	ErrInvalidName = errors.New("room name is required")
)

// Room is the normalized room record. An empty Password means the room is open.
type Room struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// Protected reports whether joining the room requires a password.
func (r Room) Protected() bool {
	return r.Password != ""
}

// AttemptLimiter counts failed password attempts per key.
type AttemptLimiter interface {
	Exceeded(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Registry is the process-wide room table. It is safe for concurrent use.
type Registry struct {
	file    *File
	limiter AttemptLimiter

	mu       sync.RWMutex
	order    []string
	rooms    map[string]Room
	onCreate []func(Room)
}

// NewRegistry seeds a registry with rooms in the given order. Duplicate names
// keep their first entry. file may be nil, in which case save requests are
// ignored; limiter may be nil to disable password throttling.
func NewRegistry(rooms []Room, file *File, limiter AttemptLimiter) *Registry {
	r := &Registry{
		file:    file,
		limiter: limiter,
		rooms:   make(map[string]Room, len(rooms)),
	}
	for _, rm := range rooms {
		if _, ok := r.rooms[rm.Name]; ok || rm.Name == "" {
			continue
		}
		r.rooms[rm.Name] = rm
		r.order = append(r.order, rm.Name)
	}
	return r
}

// OnCreate registers fn to run after each successful Create.
func (r *Registry) OnCreate(fn func(Room)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = append(r.onCreate, fn)
}

// Create adds a room. When save is set the room is also appended to the rooms
// file; a save failure is returned but the room stays registered.
func (r *Registry) Create(name, password string, save bool) (Room, error) {
	if strings.TrimSpace(name) == "" {
		return Room{}, ErrInvalidName
	}

	rm := Room{Name: name, Password: password}

	r.mu.Lock()
	if _, ok := r.rooms[name]; ok {
		r.mu.Unlock()
		return Room{}, fmt.Errorf("%q: %w", name, ErrAlreadyExists)
	}
	r.rooms[name] = rm
	r.order = append(r.order, name)
	callbacks := slices.Clone(r.onCreate)
	r.mu.Unlock()

	log.Info().Str("room", name).Bool("protected", rm.Protected()).Msg("Room created")
	for _, fn := range callbacks {
		fn(rm)
	}

	if save && r.file != nil {
		if err := r.file.Append(rm); err != nil {
			return rm, fmt.Errorf("save room %q: %w", name, err)
		}
	}
	return rm, nil
}

// Get returns the room with exactly this name.
func (r *Registry) Get(name string) (Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	if !ok {
		return Room{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return rm, nil
}

// Exists reports whether the room is known.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[name]
	return ok
}

// List returns room names in configuration order, created rooms last.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Verify checks password against the room. Open rooms accept any password.
// Failed attempts are counted per (addr, room); once the limit is reached the
// stored password is not consulted until the window slides. A success resets
// the count.
//
// The check and the increment are separate limiter calls, so concurrent
// attempts from one address can overshoot the limit by the number in flight.
func (r *Registry) Verify(ctx context.Context, addr, name, password string) error {
	rm, err := r.Get(name)
	if err != nil {
		return err
	}

	key := attemptKey(addr, name)
	if r.limiter != nil {
		exceeded, err := r.limiter.Exceeded(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("room", name).Str("addr", addr).Msg("Attempt limiter unavailable")
		} else if exceeded {
			return fmt.Errorf("%q: %w", name, ErrRateLimited)
		}
	}

	if rm.Protected() && password != rm.Password {
		if r.limiter != nil {
			if err := r.limiter.Fail(ctx, key); err != nil {
				log.Warn().Err(err).Str("room", name).Str("addr", addr).Msg("Failed to record password attempt")
			}
		}
		return fmt.Errorf("%q: %w", name, ErrWrongPassword)
	}

	if r.limiter != nil {
		if err := r.limiter.Reset(ctx, key); err != nil {
			log.Warn().Err(err).Str("room", name).Str("addr", addr).Msg("Failed to reset password attempts")
		}
	}
	return nil
}

func attemptKey(addr, room string) string {
	return addr + "|" + room
}

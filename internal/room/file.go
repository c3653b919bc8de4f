package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is the rooms configuration file: a JSON array whose entries are either
// a bare room name or an object with name and optional password.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a handle to the rooms file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Load reads and normalizes every entry. A missing file yields no rooms.
func (f *File) Load() ([]Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// Append re-reads the file and writes it back with rm added, so entries
// written by someone else since startup are kept.
func (f *File) Append(rm Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.raw()
	if err != nil {
		return err
	}
	entry, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	raw = append(raw, entry)

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rooms file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write rooms file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close rooms file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace rooms file: %w", err)
	}
	return nil
}

func (f *File) load() ([]Room, error) {
	raw, err := f.raw()
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(raw))
	for i, entry := range raw {
		rm, err := decodeEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("rooms file entry %d: %w", i, err)
		}
		rooms = append(rooms, rm)
	}
	return rooms, nil
}

// raw keeps entries undecoded so that Append preserves their original shape.
func (f *File) raw() ([]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rooms file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rooms file: %w", err)
	}
	return raw, nil
}

func decodeEntry(entry json.RawMessage) (Room, error) {
	var name string
	if err := json.Unmarshal(entry, &name); err == nil {
		if name == "" {
			return Room{}, ErrInvalidName
		}
		return Room{Name: name}, nil
	}

	var rm Room
	if err := json.Unmarshal(entry, &rm); err != nil {
		return Room{}, fmt.Errorf("expected a name or {name, password}: %w", err)
	}
	if rm.Name == "" {
		return Room{}, ErrInvalidName
	}
	return rm, nil
}

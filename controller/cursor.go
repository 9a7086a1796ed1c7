package controller

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
)

const prefixCursor = "/cursor/" // /cursor/{controller name} -> seq(8) | xxhash(seq)(8)

// ErrCursorCorrupt means a persisted cursor could not be trusted. Resuming from
// a guessed position could skip or replay notifications, so it is fatal.
var ErrCursorCorrupt = errors.New("controller cursor corrupt")

// CursorStore persists last processed sequences in Pebble.
type CursorStore struct {
	db *pebble.DB
}

// OpenCursorStore opens or creates the cursor store at path.
func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", path, err)
	}
	return &CursorStore{db: db}, nil
}

// Load returns the cursor for name, 0 when none was saved.
func (s *CursorStore) Load(name string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(prefixCursor + name))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	defer closer.Close()

	if len(val) != 16 {
		return 0, fmt.Errorf("%w: %s has %d bytes", ErrCursorCorrupt, name, len(val))
	}
	seq := binary.BigEndian.Uint64(val[:8])
	if binary.BigEndian.Uint64(val[8:]) != xxhash.Sum64(val[:8]) {
		return 0, fmt.Errorf("%w: %s checksum mismatch", ErrCursorCorrupt, name)
	}
	return seq, nil
}

// Save durably records seq as the cursor for name.
func (s *CursorStore) Save(name string, seq uint64) error {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], seq)
	binary.BigEndian.PutUint64(val[8:], xxhash.Sum64(val[:8]))

	if err := s.db.Set([]byte(prefixCursor+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// Close closes the store.
func (s *CursorStore) Close() error {
	return s.db.Close()
}

package counter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

var counterPrefix = []byte("count/")

// PebbleConfig configures the durable counter store.
type PebbleConfig struct {
	Dir string
	// NoSync skips the WAL fsync on each write.
	NoSync bool
}

// PebbleStore persists counters in a Pebble database. Values are big-endian
// int64s under the "count/" prefix.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	// mu serializes read-modify-write in Add.
	mu sync.Mutex
}

// OpenPebble opens or creates the store at cfg.Dir.
func OpenPebble(cfg PebbleConfig) (*PebbleStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("counter: pebble dir is required")
	}
	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", cfg.Dir, err)
	}
	opts := pebble.Sync
	if cfg.NoSync {
		opts = pebble.NoSync
	}
	return &PebbleStore{db: db, writeOpts: opts}, nil
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, variant string) (int64, bool, error) {
	return s.get(variant)
}

// Set implements Store.
func (s *PebbleStore) Set(_ context.Context, variant string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(variant, value)
}

// Add implements Store.
func (s *PebbleStore) Add(_ context.Context, variant string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _, err := s.get(variant)
	if err != nil {
		return 0, err
	}
	next := cur + delta
	if err := s.put(variant, next); err != nil {
		return 0, err
	}
	return next, nil
}

// All implements Store.
func (s *PebbleStore) All(context.Context) (map[string]int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: counterPrefix,
		UpperBound: prefixEnd(counterPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	out := make(map[string]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) != 8 {
			continue
		}
		variant := string(iter.Key()[len(counterPrefix):])
		out[variant] = int64(binary.BigEndian.Uint64(val))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebble iter close: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) get(variant string) (int64, bool, error) {
	val, closer, err := s.db.Get(counterKey(variant))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("pebble get %q: malformed value", variant)
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

func (s *PebbleStore) put(variant string, value int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	if err := s.db.Set(counterKey(variant), buf[:], s.writeOpts); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func counterKey(variant string) []byte {
	return append(append([]byte(nil), counterPrefix...), variant...)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Package cache maintains the proxy's bounded, versioned on-disk file cache
// with LRU-with-pinning eviction.
package cache

import (
	"os"
	"strings"
	"sync"

	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
)

// Store is a bounded set of cache entries keyed by cache path. A read-write
// mutex guards every operation; the separate gate mutex serializes multi-step
// transactions (an open's fetch, a close's install) across sessions.
type Store struct {
	mu   sync.RWMutex
	gate sync.Mutex
	log  *logger.Logger

	maxSize     int64
	currentSize int64

	entries map[string]*Entry // cache path -> entry
}

type StoreOption func(*Store)

func WithLogger(log *logger.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

func NewStore(maxSize types.Bytes, opts ...StoreOption) *Store {
	s := &Store{
		log:     logger.NewLogger(logger.WithName("store")),
		maxSize: maxSize.Int64(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock serializes a multi-step cache transaction across sessions. Individual
// store operations take their own internal lock; Lock spans a whole
// fetch-or-hit or install-and-supersede sequence.
func (s *Store) Lock() {
	s.gate.Lock()
}

func (s *Store) Unlock() {
	s.gate.Unlock()
}

// Install inserts a new entry and charges its size against the budget. The
// caller must have ensured capacity via MakeRoom beforehand.
func (s *Store) Install(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.CachePath] = entry
	s.currentSize += entry.Size
	s.log.Debug("Installed cache entry",
		"path", entry.CachePath, "version", entry.Version, "size", types.Bytes(entry.Size))
}

// Lookup returns the entry for a cache path, if present.
func (s *Store) Lookup(cachePath string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[cachePath]
	return entry, ok
}

// Contains reports whether a cache path is present in the store.
func (s *Store) Contains(cachePath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[cachePath]
	return ok
}

// Remove unlinks the entry's on-disk file and drops it from the store,
// releasing its size. Removing an absent entry is a no-op.
func (s *Store) Remove(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(entry)
}

func (s *Store) remove(entry *Entry) {
	if _, ok := s.entries[entry.CachePath]; !ok {
		return
	}

	delete(s.entries, entry.CachePath)
	s.currentSize -= entry.Size

	if err := os.Remove(entry.CachePath); err != nil && !os.IsNotExist(err) {
		s.log.Error("Failed to unlink evicted file", "path", entry.CachePath, "error", err)
	}
	s.log.Debug("Removed cache entry", "path", entry.CachePath, "size", types.Bytes(entry.Size))
}

// Pin increments the entry's reference count, protecting it from eviction.
func (s *Store) Pin(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.refCount++
}

// Unpin decrements the reference count, clamping at zero, and refreshes the
// entry's recency.
func (s *Store) Unpin(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.refCount == 0 {
		s.log.Warn("Unpin of entry with zero ref count", "path", entry.CachePath)
	} else {
		entry.refCount--
	}
	entry.lruTick = 0
}

// TouchAll ages every entry by one tick. Called at the start of every open;
// this is the LRU clock.
func (s *Store) TouchAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		entry.lruTick++
	}
}

// ResetLRU marks the entry as just used.
func (s *Store) ResetLRU(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.lruTick = 0
}

// MarkStale flags every entry whose cache path starts with the given prefix
// as superseded.
func (s *Store) MarkStale(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if strings.HasPrefix(entry.CachePath, prefix) {
			entry.stale = true
		}
	}
}

// SetStale flags a single entry as superseded.
func (s *Store) SetStale(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.stale = true
}

// SweepStale removes every unreferenced stale entry whose cache path starts
// with the given prefix.
func (s *Store) SweepStale(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sweep []*Entry
	for _, entry := range s.entries {
		if strings.HasPrefix(entry.CachePath, prefix) && entry.stale && entry.refCount == 0 {
			sweep = append(sweep, entry)
		}
	}

	for _, entry := range sweep {
		s.log.Debug("Sweeping stale entry", "path", entry.CachePath)
		s.remove(entry)
	}
}

// MakeRoom evicts entries until size more bytes fit within the budget.
// Candidates are chosen unpinned-first, oldest tick first; pinned entries are
// skipped, never deleted. If only pinned entries remain the store is left
// temporarily over budget.
func (s *Store) MakeRoom(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.currentSize+size > s.maxSize {
		victim := s.selectVictim()
		if victim == nil {
			s.log.Warn("Eviction target unmet, only pinned entries remain",
				"current", types.Bytes(s.currentSize), "needed", types.Bytes(size))
			return
		}
		s.log.Debug("Evicting cache entry", "path", victim.CachePath, "tick", victim.lruTick)
		s.remove(victim)
	}
}

// selectVictim returns the best unpinned eviction candidate, or nil when
// every entry is pinned. Callers hold the write lock.
func (s *Store) selectVictim() *Entry {
	var victim *Entry
	for _, entry := range s.entries {
		if entry.refCount != 0 {
			continue
		}
		if victim == nil || entry.evictsBefore(victim) {
			victim = entry
		}
	}
	return victim
}

// IsFull reports whether adding size bytes would exceed the budget.
func (s *Store) IsFull(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.currentSize+size > s.maxSize
}

// AdjustSize charges or releases writer-temp footprint against the budget.
// The open-time fork and the close-time release call it under the gate;
// a session's Write charges working-copy growth without taking the gate.
func (s *Store) AdjustSize(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentSize += delta
}

// CurrentSize returns the tracked cache footprint in bytes.
func (s *Store) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.currentSize
}

// MaxSize returns the cache budget in bytes.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Stats is a point-in-time snapshot of store state.
type Stats struct {
	Entries     int         `json:"entries"`
	Pinned      int         `json:"pinned"`
	Stale       int         `json:"stale"`
	CurrentSize types.Bytes `json:"current_size"`
	MaxSize     types.Bytes `json:"max_size"`
}

func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Entries:     len(s.entries),
		CurrentSize: types.Bytes(s.currentSize),
		MaxSize:     types.Bytes(s.maxSize),
	}
	for _, entry := range s.entries {
		if entry.refCount > 0 {
			stats.Pinned++
		}
		if entry.stale {
			stats.Stale++
		}
	}
	return stats
}

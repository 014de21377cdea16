package cache

import (
	"context"
	"sync"
	"time"
)

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	value   []byte
	expires time.Time
}

type memoryGroup struct {
	gen     uint64
	entries map[string]memoryEntry
}

// MemoryStore is an in-process Store with a background sweeper for expired
// entries.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]*memoryGroup
	closed bool
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore starts a store that sweeps expired entries every
// cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	s := &MemoryStore{
		groups: map[string]*memoryGroup{},
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.cleanupRoutine(cleanupInterval)
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Generation(_ context.Context, group string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	if g := s.groups[group]; g != nil {
		return g.gen, nil
	}
	return 0, nil
}

func (s *MemoryStore) Get(_ context.Context, group, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrUnavailable
	}
	g := s.groups[group]
	if g == nil {
		return nil, false, nil
	}
	e, ok := g.entries[key]
	if !ok || !s.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Put(_ context.Context, group, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrUnavailable
	}
	g := s.groups[group]
	if g == nil {
		g = &memoryGroup{entries: map[string]memoryEntry{}}
		s.groups[group] = g
	}
	if g.gen != gen {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	g.entries[key] = memoryEntry{value: stored, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context, group string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	g := s.groups[group]
	if g == nil {
		g = &memoryGroup{}
		s.groups[group] = g
	}
	g.gen++
	g.entries = map[string]memoryEntry{}
	return g.gen, nil
}

// Close stops the sweeper. Later calls fail with ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.groups = map[string]*memoryGroup{}
	s.mu.Unlock()
	close(s.stop)
	<-s.done
	return nil
}

func (s *MemoryStore) cleanupRoutine(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops expired entries. Generations are kept so an in-flight loader
// still sees the eviction it raced with.
func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for _, g := range s.groups {
		for key, e := range g.entries {
			if !now.Before(e.expires) {
				delete(g.entries, key)
				removed++
			}
		}
	}
	return removed
}

package patterns

import (
	"sync"
	"time"
)

// emittedSet remembers match keys until the evidence window they describe has
// aged out, so the same evidence set is never reported twice.
type emittedSet struct {
	mu      sync.Mutex
	keys    map[string]time.Time // key -> forget after
	retain  time.Duration
	inserts int
}

func newEmittedSet(retain time.Duration) *emittedSet {
	return &emittedSet{keys: make(map[string]time.Time), retain: retain}
}

// claim records key and reports whether it was new
func (s *emittedSet) claim(key string, windowEnd time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = windowEnd.Add(s.retain)

	s.inserts++
	if s.inserts%512 == 0 {
		s.purge(windowEnd)
	}
	return true
}

func (s *emittedSet) purge(now time.Time) {
	for k, until := range s.keys {
		if until.Before(now) {
			delete(s.keys, k)
		}
	}
}

func (s *emittedSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

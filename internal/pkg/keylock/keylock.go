// Package keylock serializes work per entity key using a fixed set of striped mutexes.
package keylock

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Striped maps keys onto a fixed number of mutexes. Two keys may share a stripe,
// so holders must never lock a second key while holding one except through LockMany.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes (minimum 1)
func New(n int) *Striped {
	if n < 1 {
		n = 1
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}

// Lock locks the stripe for key and returns its unlock function
func (s *Striped) Lock(key string) func() {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

// LockMany locks the stripes of all keys in a fixed order, so concurrent
// callers with overlapping key sets cannot deadlock.
func (s *Striped) LockMany(keys ...string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.index(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

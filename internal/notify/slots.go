package notify

import (
	"sort"
	"sync"
)

// Slots hands out stacking positions for on-screen notifications, always
// the lowest free index.
type Slots struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func NewSlots() *Slots {
	return &Slots{held: make(map[int]struct{})}
}

// Acquire returns the smallest non-negative index not currently held.
func (s *Slots) Acquire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for {
		if _, taken := s.held[idx]; !taken {
			break
		}
		idx++
	}
	s.held[idx] = struct{}{}
	return idx
}

// Release frees idx. Releasing an index that is not held does nothing.
func (s *Slots) Release(idx int) {
	s.mu.Lock()
	delete(s.held, idx)
	s.mu.Unlock()
}

// Held lists the occupied indices in ascending order.
func (s *Slots) Held() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.held))
	for idx := range s.held {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Offset is the vertical distance of a slot from the bottom-most position.
func Offset(slot, height, margin int) int {
	return slot * (height + margin)
}

package bo

// Set is the deduplicated set of blocks a job references. It keeps
// insertion order so kernel handle arrays are deterministic.
//
// A Set is owned by a single job and is not safe for concurrent use.
type Set struct {
	members map[*BO]struct{}
	order   []*BO
	mask    uint64
	bytes   uint64
}

// Add inserts b unless it is already present.
func (s *Set) Add(b *BO) {
	if b == nil {
		return
	}
	if s.mask&b.HandleBit != 0 {
		if _, ok := s.members[b]; ok {
			return
		}
	}
	s.AddUnchecked(b)
}

// AddUnchecked inserts b without a membership test. Callers guarantee b
// is not yet in the set, typically because it was just allocated.
func (s *Set) AddUnchecked(b *BO) {
	if s.members == nil {
		s.members = make(map[*BO]struct{})
	}
	s.members[b] = struct{}{}
	s.order = append(s.order, b)
	s.mask |= b.HandleBit
	s.bytes += uint64(b.Size)
}

// Contains reports whether b is in the set.
func (s *Set) Contains(b *BO) bool {
	_, ok := s.members[b]
	return ok
}

// Len returns the number of distinct blocks.
func (s *Set) Len() int { return len(s.order) }

// Bytes returns the total size of the referenced blocks.
func (s *Set) Bytes() uint64 { return s.bytes }

// All returns the blocks in insertion order. The slice must not be modified.
func (s *Set) All() []*BO { return s.order }

// Handles returns the kernel handles in insertion order.
func (s *Set) Handles() []uint32 {
	handles := make([]uint32, len(s.order))
	for i, b := range s.order {
		handles[i] = b.Handle
	}
	return handles
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() Set {
	c := Set{mask: s.mask, bytes: s.bytes}
	if len(s.order) > 0 {
		c.members = make(map[*BO]struct{}, len(s.order))
		c.order = make([]*BO, len(s.order))
		copy(c.order, s.order)
		for _, b := range s.order {
			c.members[b] = struct{}{}
		}
	}
	return c
}

// Reset empties the set.
func (s *Set) Reset() {
	*s = Set{}
}

package models

import "sort"

type ChunkSet map[uint32]struct{}

func NewChunkSet(ids ...uint32) ChunkSet {
	s := make(ChunkSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ChunkSet) Add(id uint32) {
	s[id] = struct{}{}
}

func (s ChunkSet) AddRange(start, end uint32) {
	for id := start; id <= end; id++ {
		s[id] = struct{}{}
		if id == end {
			break
		}
	}
}

func (s ChunkSet) Remove(id uint32) {
	delete(s, id)
}

func (s ChunkSet) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

func (s ChunkSet) Len() int {
	return len(s)
}

// Min returns the smallest id, ok is false for an empty set.
func (s ChunkSet) Min() (uint32, bool) {
	var min uint32
	found := false
	for id := range s {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

func (s ChunkSet) Intersect(other ChunkSet) ChunkSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(ChunkSet)
	for id := range small {
		if large.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s ChunkSet) Difference(other ChunkSet) ChunkSet {
	out := make(ChunkSet)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s ChunkSet) Clone() ChunkSet {
	out := make(ChunkSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s ChunkSet) Sorted() []uint32 {
	ids := make([]uint32, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ranges collapses the set into inclusive [start, end] runs.
func (s ChunkSet) Ranges() [][2]uint32 {
	ids := s.Sorted()
	ranges := make([][2]uint32, 0)
	for i, id := range ids {
		if i > 0 && ranges[len(ranges)-1][1]+1 == id {
			ranges[len(ranges)-1][1] = id
			continue
		}
		ranges = append(ranges, [2]uint32{id, id})
	}
	return ranges
}

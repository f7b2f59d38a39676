package weblounge

import (
	"math"
	"sync/atomic"
)

// responseStats tracks the sizes of dispatched response bodies.
type responseStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
	hits  atomic.Uint64
}

func newResponseStats() *responseStats {
	s := &responseStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *responseStats) Observe(size int, hit bool) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	s.count.Add(1)
	s.total.Add(n)
	if hit {
		s.hits.Add(1)
	}
	for {
		cur := s.min.Load()
		if n >= cur || s.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

type responseSnapshot struct {
	Responses uint64 `json:"responses"`
	Hits      uint64 `json:"hits"`
	MinBytes  uint64 `json:"minBytes"`
	AvgBytes  uint64 `json:"avgBytes"`
	MaxBytes  uint64 `json:"maxBytes"`
}

func (s *responseStats) Snapshot() responseSnapshot {
	count := s.count.Load()
	if count == 0 {
		return responseSnapshot{}
	}
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return responseSnapshot{
		Responses: count,
		Hits:      s.hits.Load(),
		MinBytes:  minv,
		AvgBytes:  s.total.Load() / count,
		MaxBytes:  s.max.Load(),
	}
}

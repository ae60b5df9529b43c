package obs

import "sync/atomic"

// Sequencer hands out gap-free event sequence numbers starting at 1.
type Sequencer struct {
	last atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Add(1)
}

// Last returns the most recently issued number.
func (s *Sequencer) Last() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Load()
}

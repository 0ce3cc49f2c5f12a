package pulse

import (
	"sync"
	"sync/atomic"
)

// FullPulse is an owned copy of a pulse whose lifetime is independent of any
// datagram. Pulses waiting in the collator are held as FullPulses.
type FullPulse struct {
	Header  Header
	Samples []float32 // 2 × Header.Gates interleaved I,Q values
}

// Store makes owned copies of views and recycles them once released.
// Copies are pooled because the collator churns through thousands per second.
type Store struct {
	pool     sync.Pool
	live     atomic.Int64
	copies   atomic.Int64
	released atomic.Int64
}

// NewStore creates an empty Full-Pulse Store.
func NewStore() *Store {
	s := &Store{}
	s.pool.New = func() any { return new(FullPulse) }
	return s
}

// Copy deep-copies v into a FullPulse owned by the caller until Release.
func (s *Store) Copy(v *View) *FullPulse {
	fp := s.pool.Get().(*FullPulse)
	fp.Header = v.Header
	fp.Samples = v.AppendSamples(fp.Samples[:0])
	s.live.Add(1)
	s.copies.Add(1)
	return fp
}

// Release returns fp to the store. fp must not be used afterwards.
// Releasing nil is a no-op.
func (s *Store) Release(fp *FullPulse) {
	if fp == nil {
		return
	}
	fp.Header = Header{}
	fp.Samples = fp.Samples[:0]
	s.live.Add(-1)
	s.released.Add(1)
	s.pool.Put(fp)
}

// Live returns the number of copies handed out and not yet released.
func (s *Store) Live() int64 {
	return s.live.Load()
}

// Copies returns the total number of copies made.
func (s *Store) Copies() int64 {
	return s.copies.Load()
}

package credentials

import (
	"sync"
	"time"
)

// Store guards a single Pair. Every read returns a copy and every write
// replaces the whole pair, so readers never observe a new access token with
// a stale expiry.
type Store struct {
	mu         sync.RWMutex
	pair       Pair
	generation uint64
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get() Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// Snapshot returns the pair together with the generation it belongs to.
func (s *Store) Snapshot() (Pair, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.generation
}

// Set installs p. A pair without an access token has its expiry dropped;
// an access token without an expiry is rejected.
func (s *Store) Set(p Pair) error {
	if p.AccessToken == "" {
		p.ExpiresAt = time.Time{}
	}
	if !p.Valid() {
		return ErrInvalidPair
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = p
	s.generation++
	return nil
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{}
	s.generation++
}

// Generation is bumped on every Set and Clear.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

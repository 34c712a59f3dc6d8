package gateway

import (
	"sync"

	"github.com/fleetgate/gateway/internal/checkpoint"
)

// fakeStore is an in-memory checkpoint.Store for tests: it records every
// saved checkpoint (lastSaved returns the most recent one), and can be
// preloaded to exercise Start's restore path.
type fakeStore struct {
	mu       sync.Mutex
	saved    []checkpoint.Checkpoint
	preload  *checkpoint.Checkpoint
	saveErr  error
	loadErr  error
}

func (s *fakeStore) Save(cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, cp)
	return nil
}

func (s *fakeStore) Load() (checkpoint.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return checkpoint.Checkpoint{}, false, s.loadErr
	}
	if s.preload == nil {
		return checkpoint.Checkpoint{}, false, nil
	}
	return *s.preload, true, nil
}

func (s *fakeStore) lastSaved() (checkpoint.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return checkpoint.Checkpoint{}, false
	}
	return s.saved[len(s.saved)-1], true
}

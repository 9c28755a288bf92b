package locking

import "sync"

// MemLock is a Group backed by in-memory mutexes. It only excludes callers
// within a single process.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refMutex),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (any, error)) (any, error) {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refMutex{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (s *MemLock) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

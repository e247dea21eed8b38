package storage

import (
	"context"
	"sync"

	"github.com/onexay/commitvault/internal/faults"
)

// sessionCounter shares one backend session between nested acquisitions.
type sessionCounter struct {
	backend ObjectStore
	mu      sync.Mutex
	refs    int
}

func (c *sessionCounter) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Session is a held reference to the backend session.
type Session struct {
	counter *sessionCounter
	once    sync.Once
}

// Acquire takes a reference to the backend session, opening it when this is
// the outermost acquisition. Release the returned Session exactly once;
// extra calls are ignored.
func (s *ArchiveStore) Acquire(ctx context.Context) (*Session, error) {
	c := &s.sessions
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		if err := c.backend.Open(ctx); err != nil {
			return nil, faults.Transport("open archive session", err)
		}
	}
	c.refs++
	return &Session{counter: c}, nil
}

// Release drops the reference and closes the backend session when the
// outermost holder releases.
func (h *Session) Release() {
	h.once.Do(func() {
		c := h.counter
		c.mu.Lock()
		defer c.mu.Unlock()
		c.refs--
		if c.refs == 0 {
			_ = c.backend.Release()
		}
	})
}

// WithSession runs fn while holding a session, so every archive call made
// inside fn reuses it.
func (s *ArchiveStore) WithSession(ctx context.Context, fn func(context.Context) error) error {
	sess, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()
	return fn(ctx)
}

// ActiveSessions returns the current reference count.
func (s *ArchiveStore) ActiveSessions() int { return s.sessions.active() }

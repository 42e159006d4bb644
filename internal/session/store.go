package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Store is the process-wide session registry, partitioned by session id.
// Sessions in a terminal state are evicted after the configured TTL to
// bound memory growth across many concurrent requests.
type Store struct {
	ttl time.Duration
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewStore creates a store whose terminal sessions expire after ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		log:      logger.Get().With("component", "session_store"),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Create registers a new session for the request.
func (st *Store) Create(req Request, initialRole string) (*Session, error) {
	s := New(req, initialRole)

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[s.ID]; ok {
		return nil, errors.Wrapf(errors.ErrAlreadyExists, "session %s", s.ID)
	}

	st.sessions[s.ID] = s
	return s, nil
}

// Get retrieves a session by id.
func (st *Store) Get(id uuid.UUID) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}
	return s, nil
}

// Delete removes a session regardless of state.
func (st *Store) Delete(id uuid.UUID) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictExpired removes terminal sessions older than the store TTL and
// returns how many were evicted. Non-terminal sessions are never evicted.
func (st *Store) EvictExpired(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for id, s := range st.sessions {
		if !s.Status().Terminal() {
			continue
		}
		if terminalAt := s.TerminalAt(); !terminalAt.IsZero() && now.Sub(terminalAt) > st.ttl {
			delete(st.sessions, id)
			evicted++
		}
	}

	if evicted > 0 {
		st.log.Infof("Evicted %d expired sessions (%d remain)", evicted, len(st.sessions))
	}

	return evicted
}

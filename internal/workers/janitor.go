package workers

import (
	"context"
	"time"

	"finsight/internal/session"
)

// JanitorWorker evicts expired terminal sessions from the store.
type JanitorWorker struct {
	*BaseWorker
	store *session.Store
}

// NewJanitorWorker creates the session janitor.
func NewJanitorWorker(store *session.Store, interval time.Duration) *JanitorWorker {
	if interval == 0 {
		interval = time.Minute
	}

	return &JanitorWorker{
		BaseWorker: NewBaseWorker("session_janitor", interval, true),
		store:      store,
	}
}

// Run evicts expired sessions.
func (w *JanitorWorker) Run(_ context.Context) error {
	if evicted := w.store.EvictExpired(time.Now()); evicted > 0 {
		w.Log().Debugf("Evicted %d sessions", evicted)
	}
	return nil
}

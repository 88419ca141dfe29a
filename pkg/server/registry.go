package server

import (
	"log"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry tracks every session that completed its handshake. It is the
// only state shared between connection goroutines. No I/O happens while
// its lock is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds a session. A second registration of the same ID means the
// registry is corrupt.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	if _, exists := r.sessions[sess.ID]; exists {
		r.mu.Unlock()
		log.Panicf("registry corrupted: session %d registered twice", sess.ID)
	}
	r.sessions[sess.ID] = sess
	sess.registered.Store(true)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
}

// Unregister removes a session by ID
func (r *Registry) Unregister(id uint64) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		sess.registered.Store(false)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok && r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
	return sess, ok
}

// Get returns a session by ID
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Snapshot returns the registered sessions ordered by ID. The slice is a
// copy; callers may iterate it without holding any lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return sessions
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Names returns the display names of all registered sessions, in ID order
func (r *Registry) Names() []string {
	return lo.Map(r.Snapshot(), func(sess *Session, _ int) string {
		return sess.Name()
	})
}

// CloseAll closes every registered session. Each session unregisters
// itself through its close hook.
func (r *Registry) CloseAll(reason error) {
	for _, sess := range r.Snapshot() {
		sess.Close(reason)
	}
}

package session

import (
	"slices"
	"sync"
	"time"
)

// Manager owns the live sessions of one engine instance, keyed by
// conversation ID. Sessions are created on demand and removed either
// explicitly or by the idle sweeper.
//
// The zero value is not usable; create instances with [NewManager].
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	now        func() time.Time
	removeHook func(id string)

	done     chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRemoveHook registers fn to run after a session is removed, whether
// explicitly or by the idle sweeper. Components holding per-session state
// outside the manager use it to release that state. fn runs outside the
// manager's lock and may call back into it.
func WithRemoveHook(fn func(id string)) ManagerOption {
	return func(m *Manager) { m.removeHook = fn }
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: map[string]*Session{},
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the session for id, creating it on first use, and
// marks it active for the idle sweeper.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Touch(m.now())
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Touch(m.now())
		return s
	}
	s = newSession(id, m.now())
	m.sessions[id] = s
	return s
}

// Get returns the session for id, or nil when none exists.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Remove deletes the session for id and reports whether it existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok && m.removeHook != nil {
		m.removeHook(id)
	}
	return ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns a sorted copy of the live session IDs.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Sweep removes sessions that have been idle for longer than maxIdle and
// reports how many it removed.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		if s.lastSeenBefore(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	if m.removeHook != nil {
		for _, id := range removed {
			m.removeHook(id)
		}
	}
	return len(removed)
}

// StartSweeper launches a background loop calling [Manager.Sweep] every
// interval until [Manager.Close] is called.
func (m *Manager) StartSweeper(interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.Sweep(maxIdle)
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

package server

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// SessionManager owns the guid -> Session registry. Sessions are created on
// the first handshake for a guid and removed when they are destroyed.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	host    sessionHost
	config  *SessionConfig
	logger  *slog.Logger
	metrics *Metrics

	totalCreated   atomic.Uint64
	totalDestroyed atomic.Uint64
	totalExpired   atomic.Uint64

	// OnSessionDestroy is called once for every destroyed session.
	OnSessionDestroy func(s *Session, expired bool)
}

// NewSessionManager creates an empty manager.
func NewSessionManager(host sessionHost, config *SessionConfig, logger *slog.Logger, metrics *Metrics) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		host:     host,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the live session for guid, or nil.
func (sm *SessionManager) Get(guid string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[guid]
}

func (sm *SessionManager) getOrCreate(guid string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[guid]; ok {
		return s
	}
	s := newSession(guid, sm.host, sm.config, sm.logger, sm.metrics)
	s.onDestroy = sm.destroyed
	sm.sessions[guid] = s
	sm.totalCreated.Add(1)
	sm.metrics.sessionCreated()
	sm.logger.Info("session created", "guid", guid)
	return s
}

// Attach binds conn to the session of guid, creating it if needed. A session
// that is destroyed between lookup and attach is replaced by a fresh one.
func (sm *SessionManager) Attach(guid string, conn *Connection) (*Session, bool, *Binding, error) {
	for {
		s := sm.getOrCreate(guid)
		recovered, b, err := s.AttachConnection(conn)
		if err == ErrSessionDestroyed {
			sm.remove(s)
			continue
		}
		if err != nil {
			return nil, false, nil, NewSessionError(guid, "attach", err)
		}
		return s, recovered, b, nil
	}
}

func (sm *SessionManager) destroyed(s *Session, expired bool) {
	sm.remove(s)
	sm.totalDestroyed.Add(1)
	if expired {
		sm.totalExpired.Add(1)
	}
	sm.logger.Info("session destroyed", "guid", s.Guid, "expired", expired)
	if sm.OnSessionDestroy != nil {
		sm.OnSessionDestroy(s, expired)
	}
}

// remove drops s from the registry unless a newer session took its guid.
func (sm *SessionManager) remove(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur, ok := sm.sessions[s.Guid]; ok && cur == s {
		delete(sm.sessions, s.Guid)
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ForEach calls fn for every live session in guid order. fn runs without the
// registry lock held.
func (sm *SessionManager) ForEach(fn func(s *Session) bool) {
	for _, s := range sm.snapshot() {
		if !fn(s) {
			return
		}
	}
}

func (sm *SessionManager) snapshot() []*Session {
	sm.mu.RLock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Guid < out[j].Guid })
	return out
}

// ManagerStats is a snapshot of the manager counters.
type ManagerStats struct {
	Active         int
	Detached       int
	TotalCreated   uint64
	TotalDestroyed uint64
	TotalExpired   uint64
}

// Stats returns the manager counters.
func (sm *SessionManager) Stats() ManagerStats {
	st := ManagerStats{
		TotalCreated:   sm.totalCreated.Load(),
		TotalDestroyed: sm.totalDestroyed.Load(),
		TotalExpired:   sm.totalExpired.Load(),
	}
	for _, s := range sm.snapshot() {
		st.Active++
		if s.IsDetached() {
			st.Detached++
		}
	}
	return st
}

// Shutdown destroys every session.
func (sm *SessionManager) Shutdown() {
	sessions := sm.snapshot()
	for _, s := range sessions {
		s.Destroy()
	}
	sm.logger.Info("session manager shutdown", "destroyed", len(sessions))
}

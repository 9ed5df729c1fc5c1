package relay

import (
	"log/slog"
	"sync"

	"github.com/remotetunnel/relay/internal/metrics"
)

// Manager owns the session_id -> Session map. Creation and eviction are the
// only map mutations; both are atomic with respect to each other via mu.
// Party-slot assignment happens in Session.join under the session's own lock.
type Manager struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config, m *metrics.Metrics, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.WithDefaults(),
		metrics:  m,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// getOrCreate returns the session for id, creating it (and counting it
// against the concurrent-session cap) if it doesn't exist yet.
func (mgr *Manager) getOrCreate(id string) (*Session, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if s, ok := mgr.sessions[id]; ok {
		return s, nil
	}
	if len(mgr.sessions) >= mgr.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	s := newSession(id, mgr.cfg, mgr.metrics, mgr.log)
	mgr.sessions[id] = s
	if mgr.metrics != nil {
		mgr.metrics.Inc(metrics.RelaySessionsCreated)
	}
	return s, nil
}

// evict removes s from the map if it is still the current session for its
// id (a newer session may already have replaced it after s was closed).
func (mgr *Manager) evict(s *Session) {
	mgr.mu.Lock()
	if cur, ok := mgr.sessions[s.ID]; ok && cur == s {
		delete(mgr.sessions, s.ID)
	}
	mgr.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (mgr *Manager) SessionCount() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.sessions)
}

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/agent"
	"github.com/flywheeldev/flywheel/internal/logging"
)

// Manager owns zero or one current session and retains finished sessions
// for inspection up to a cap.
type Manager struct {
	spec agent.Spec
	cfg  Config
	log  zerolog.Logger

	mu      sync.Mutex
	current *Handle
	tracked map[string]*Handle
	stats   ManagerStats
}

// ManagerStats counts lifecycle outcomes across the manager's lifetime.
type ManagerStats struct {
	Created    int `json:"created"`
	Ended      int `json:"ended"`
	Terminated int `json:"terminated"`
	Pruned     int `json:"pruned"`
}

// NewManager builds a manager that launches sessions from spec.
func NewManager(spec agent.Spec, cfg Config) *Manager {
	return &Manager{
		spec:    spec,
		cfg:     cfg.withDefaults(),
		log:     logging.Component("session"),
		tracked: make(map[string]*Handle),
	}
}

// GetOrCreate returns the current session when it is still live, otherwise
// creates a fresh one.
func (m *Manager) GetOrCreate(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.State().Live() {
		return m.current, nil
	}
	return m.createFreshLocked(ctx)
}

// CreateFresh always creates a new session and makes it current. The old
// current session, if any, stays tracked until pruned.
func (m *Manager) CreateFresh(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createFreshLocked(ctx)
}

func (m *Manager) createFreshLocked(ctx context.Context) (*Handle, error) {
	if len(m.tracked) >= m.cfg.MaxSessions {
		m.pruneLocked()
	}
	if len(m.tracked) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%d sessions tracked, limit %d: %w", len(m.tracked), m.cfg.MaxSessions, ErrCapacity)
	}

	h := newHandle(m.spec, m.cfg, m.log)
	if err := h.start(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.tracked[h.ID] = h
	m.current = h
	m.stats.Created++
	return h, nil
}

// pruneLocked drops sessions that are finished. Error sessions may still
// own a live process (a timed-out unit leaves them that way), so they are
// terminated before being dropped.
func (m *Manager) pruneLocked() {
	for id, h := range m.tracked {
		if h == m.current && h.State().Live() {
			continue
		}
		state := h.State()
		if !state.Terminal() {
			continue
		}
		if state == StateError {
			h.Terminate()
		}
		delete(m.tracked, id)
		m.stats.Pruned++
		m.log.Debug().Str("session_id", id[:8]).Str("state", string(state)).Msg("pruned session")
	}
}

// EndCurrent gracefully ends the current session and clears it. No-op when
// there is no current session.
func (m *Manager) EndCurrent(ctx context.Context) error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.End(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.stats.Ended++
	m.mu.Unlock()
	return nil
}

// TerminateAll force-kills every tracked session. Records are kept, in
// their terminal states, until pruned.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.tracked))
	for _, h := range m.tracked {
		handles = append(handles, h)
	}
	m.current = nil
	m.mu.Unlock()

	for _, h := range handles {
		if h.State().Live() {
			h.Terminate()
			m.mu.Lock()
			m.stats.Terminated++
			m.mu.Unlock()
		}
	}
}

// Current returns the current session or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentUsage reports the current session's context usage, zero when idle.
func (m *Manager) CurrentUsage() float64 {
	m.mu.Lock()
	h := m.current
	m.mu.Unlock()
	if h == nil {
		return 0
	}
	return h.ContextUsage()
}

// Sessions lists snapshots of every tracked session, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.tracked))
	for _, h := range m.tracked {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns lifetime counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

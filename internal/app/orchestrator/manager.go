package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// Dependencies are shared by every session a Manager opens.
type Dependencies struct {
	Stages pipeline.Stages
	Bus    *eventbus.Bus
	Tokens *auth.Tokens
	Logger *logging.Logger
}

// Manager 管理所有在线会话
type Manager struct {
	opts Options
	deps Dependencies

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(opts Options, deps Dependencies) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Open starts a new session on ch. The session waits for session.start.
func (m *Manager) Open(ch Channel, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	s := newSession(uuid.NewString(), userID, ch, m.opts, m.deps, m.remove)
	m.sessions[s.id] = s
	go s.run()
	return s, nil
}

// Resume attaches ch to a session that is waiting for its client. The token
// must have been issued for that session and user.
func (m *Manager) Resume(sessionID, resumeToken string, ch Channel) (*Session, error) {
	if m.deps.Tokens == nil {
		return nil, ErrResumeRejected
	}
	userID, err := m.deps.Tokens.VerifyResumeToken(resumeToken, sessionID)
	if err != nil {
		m.deps.Logger.WarnTag("Session", "resume of %s rejected: %v", sessionID, err)
		return nil, ErrResumeRejected
	}
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.userID != userID {
		return nil, ErrResumeRejected
	}
	if err := s.attach(ch); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Counts returns the number of live sessions per state.
func (m *Manager) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{
		string(pipeline.SessionConnecting):   0,
		string(pipeline.SessionActive):       0,
		string(pipeline.SessionReconnecting): 0,
	}
	for _, s := range m.sessions {
		out[string(s.State())]++
	}
	return out
}

// CloseAll stops every session and waits for them to finish or for ctx.
// No session can be opened afterwards.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop(reason)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.deps.Logger.InfoTag("Session", "closed %d sessions", len(sessions))
	return nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
}

package transcript

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	utterances map[string]map[uint64]Utterance
}

// NewMemory constructs an in-process store. Data is lost on restart.
func NewMemory() Store {
	return &memoryStore{
		sessions:   make(map[string]Session),
		utterances: make(map[string]map[uint64]Utterance),
	}
}

func (m *memoryStore) SaveSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.sessions[s.ID]; ok {
		existing.SourceLang = s.SourceLang
		existing.TargetLang = s.TargetLang
		existing.Voice = s.Voice
		existing.State = s.State
		existing.UpdatedAt = now
		m.sessions[s.ID] = existing
		return nil
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.State == "" {
		s.State = StateActive
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = s
	return nil
}

func (m *memoryStore) EndSession(_ context.Context, id, reason string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.State = StateClosed
	s.EndReason = reason
	s.EndedAt = &endedAt
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	return nil
}

func (m *memoryStore) AppendUtterance(_ context.Context, u Utterance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.utterances[u.SessionID]
	if byID == nil {
		byID = make(map[uint64]Utterance)
		m.utterances[u.SessionID] = byID
	}
	if _, ok := byID[u.UtteranceID]; ok {
		return false, nil
	}
	byID[u.UtteranceID] = u
	if s, ok := m.sessions[u.SessionID]; ok {
		s.UtteranceCount++
		s.UpdatedAt = time.Now()
		m.sessions[u.SessionID] = s
	}
	return true, nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListUtterances(_ context.Context, sessionID string) ([]Utterance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Utterance, 0, len(m.utterances[sessionID]))
	for _, u := range m.utterances[sessionID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UtteranceID < out[j].UtteranceID })
	return out, nil
}

func (m *memoryStore) ListSessions(_ context.Context, filter ListFilter) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0)
	for _, s := range m.sessions {
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (m *memoryStore) UpdateSession(_ context.Context, id string, upd SessionUpdate) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	applyUpdate(&s, upd, time.Now())
	m.sessions[id] = s
	return s, nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.utterances, id)
	return nil
}

func (m *memoryStore) Stats(context.Context) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, byID := range m.utterances {
		total += len(byID)
	}
	return map[string]any{
		"type":       DriverMemory,
		"sessions":   len(m.sessions),
		"utterances": total,
	}, nil
}

func (m *memoryStore) Close(context.Context) error {
	return nil
}

type memoryPhrases struct {
	mu      sync.RWMutex
	phrases map[string]Phrase
}

// NewMemoryPhrases constructs an in-process phrase store.
func NewMemoryPhrases() PhraseStore {
	return &memoryPhrases{phrases: make(map[string]Phrase)}
}

func (m *memoryPhrases) Save(_ context.Context, p Phrase) (Phrase, error) {
	p = preparePhrase(p, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phrases[p.ID] = p
	return p, nil
}

func (m *memoryPhrases) Get(_ context.Context, id string) (Phrase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.phrases[id]
	if !ok {
		return Phrase{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryPhrases) List(_ context.Context, filter PhraseFilter) ([]Phrase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Phrase, 0)
	for _, p := range m.phrases {
		if filter.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (m *memoryPhrases) MarkReviewed(_ context.Context, id string, at time.Time) (Phrase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phrases[id]
	if !ok {
		return Phrase{}, ErrNotFound
	}
	p.Reviewed = true
	p.ReviewCount++
	p.LastReviewedAt = &at
	p.UpdatedAt = time.Now()
	m.phrases[id] = p
	return p, nil
}

func (m *memoryPhrases) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phrases[id]; !ok {
		return ErrNotFound
	}
	delete(m.phrases, id)
	return nil
}

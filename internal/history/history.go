// Package history is the append-only log of runs per session.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llmarena/internal/arena"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrRunExists = errors.New("run already recorded")
)

type Store interface {
	// Append records run at the end of the session, creating the session on
	// first use. A run id can only be recorded once per session.
	Append(ctx context.Context, sessionID string, run arena.RunResult) error
	// List returns the session's runs in insertion order. An unknown
	// session yields an empty list.
	List(ctx context.Context, sessionID string) ([]arena.RunResult, error)
	Get(ctx context.Context, sessionID, runID string) (arena.RunResult, error)
	// Sessions lists every session in creation order.
	Sessions(ctx context.Context) ([]arena.SessionSummary, error)
}

func validate(sessionID string, run arena.RunResult) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is empty")
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is empty")
	}
	return nil
}

type session struct {
	history arena.SessionHistory
	index   map[string]int
}

// Memory keeps history in process. Stored runs are deep copies, so callers
// cannot change history through a reference they still hold.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session
	order    []string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: map[string]*session{}, now: time.Now}
}

func (m *Memory) Append(_ context.Context, sessionID string, run arena.RunResult) error {
	if err := validate(sessionID, run); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			history: arena.SessionHistory{ID: sessionID, CreatedAt: arena.Stamp(m.now())},
			index:   map[string]int{},
		}
		m.sessions[sessionID] = s
		m.order = append(m.order, sessionID)
	}
	if _, dup := s.index[run.ID]; dup {
		return fmt.Errorf("append run %s: %w", run.ID, ErrRunExists)
	}
	s.index[run.ID] = len(s.history.Runs)
	s.history.Runs = append(s.history.Runs, run.Clone())
	return nil
}

func (m *Memory) List(_ context.Context, sessionID string) ([]arena.RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return []arena.RunResult{}, nil
	}
	out := make([]arena.RunResult, len(s.history.Runs))
	for i, r := range s.history.Runs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, sessionID, runID string) (arena.RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return arena.RunResult{}, ErrNotFound
	}
	i, ok := s.index[runID]
	if !ok {
		return arena.RunResult{}, ErrNotFound
	}
	return s.history.Runs[i].Clone(), nil
}

func (m *Memory) Sessions(_ context.Context) ([]arena.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]arena.SessionSummary, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]
		out = append(out, arena.SessionSummary{ID: id, CreatedAt: s.history.CreatedAt, RunCount: len(s.history.Runs)})
	}
	return out, nil
}

// Export returns a full copy of one session.
func Export(ctx context.Context, st Store, sessionID string) (arena.SessionHistory, error) {
	runs, err := st.List(ctx, sessionID)
	if err != nil {
		return arena.SessionHistory{}, err
	}
	sessions, err := st.Sessions(ctx)
	if err != nil {
		return arena.SessionHistory{}, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return arena.SessionHistory{ID: s.ID, CreatedAt: s.CreatedAt, Runs: runs}, nil
		}
	}
	return arena.SessionHistory{}, ErrNotFound
}

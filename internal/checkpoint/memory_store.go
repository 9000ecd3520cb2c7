package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func copySession(s *Session) *Session {
	out := *s
	out.Operations = append([]Operation(nil), s.Operations...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func (st *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.TargetID != 0 {
		for _, other := range st.sessions {
			if other.TargetID == s.TargetID && other.Status == StatusActive {
				return ErrTargetBusy
			}
		}
	}
	st.sessions[s.ID] = copySession(s)
	return nil
}

func (st *MemoryStore) AppendOperation(_ context.Context, id string, op Operation) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return ErrSessionClosed
	}
	s.Operations = append(s.Operations, op)
	sort.SliceStable(s.Operations, func(i, j int) bool { return s.Operations[i].Seq < s.Operations[j].Seq })
	return nil
}

func (st *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (st *MemoryStore) ListSessions(_ context.Context, targetID int64) ([]*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*Session
	for _, s := range st.sessions {
		if s.TargetID == targetID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (st *MemoryStore) ActiveSessions(_ context.Context) ([]*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*Session
	for _, s := range st.sessions {
		if s.Status == StatusActive {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (st *MemoryStore) SetStatus(_ context.Context, id string, status Status, finishedAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.FinishedAt = &finishedAt
	return nil
}

func (st *MemoryStore) SetTarget(_ context.Context, id string, targetID int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	for _, other := range st.sessions {
		if other.ID != id && other.TargetID == targetID && other.Status == StatusActive {
			return ErrTargetBusy
		}
	}
	s.TargetID = targetID
	return nil
}

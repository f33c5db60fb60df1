package session

import (
	"sort"
	"sync"

	"github.com/xaenox/supportchat/internal/models"
)

// Store is the in-memory map of session id to session state. Only the
// controller mutates it; reads hand out deep copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*models.Session)}
}

// Insert adds s unless a session with the same id exists. It reports whether
// s was added.
func (st *Store) Insert(s *models.Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return false
	}
	st.sessions[s.ID] = s
	return true
}

// Update runs fn on the owned session under the write lock and returns a
// snapshot taken after fn. fn must not block.
func (st *Store) Update(id string, fn func(s *models.Session) error) (models.Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return models.Session{}, false, nil
	}
	if err := fn(s); err != nil {
		return s.Clone(), true, err
	}
	return s.Clone(), true, nil
}

// Upsert is Update that first creates the session with create when missing.
func (st *Store) Upsert(id string, create func() *models.Session, fn func(s *models.Session)) models.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		s = create()
		st.sessions[id] = s
	}
	fn(s)
	return s.Clone()
}

func (st *Store) Get(id string) (models.Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return s.Clone(), true
}

func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// List returns the sessions keep accepts, most recently updated first.
func (st *Store) List(keep func(*models.Session) bool) []models.Session {
	st.mu.RLock()
	out := make([]models.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if keep == nil || keep(s) {
			out = append(out, s.Clone())
		}
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Reset drops every session.
func (st *Store) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*models.Session)
}

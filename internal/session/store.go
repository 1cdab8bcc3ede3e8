package session

import (
	"sort"
	"sync"
)

// Store is the set of live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

func (s *Store) Add(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SubscribedCount counts sessions currently receiving a stream.
func (s *Store) SubscribedCount() int {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	n := 0
	for _, sess := range sessions {
		if sess.State() == Subscribed {
			n++
		}
	}
	return n
}

// Snapshot returns the info of every live session, oldest first.
func (s *Store) Snapshot() []Info {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	result := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

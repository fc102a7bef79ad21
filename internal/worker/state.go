package worker

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mentorchat/internal/models"
	"mentorchat/internal/service/chat"
)

type sessionEntry struct {
	info    models.SessionInfo
	session *chat.Session
}

type clientState struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	limiter  *rate.Limiter
}

func newClientState(limiter *rate.Limiter) *clientState {
	return &clientState{
		sessions: make(map[string]*sessionEntry),
		limiter:  limiter,
	}
}

// addSession stores entry unless a session with the same id exists, and
// returns the stored one.
func (s *clientState) addSession(entry *sessionEntry) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[entry.info.ID]; ok {
		return existing
	}
	s.sessions[entry.info.ID] = entry
	return entry
}

func (s *clientState) getSession(sessionID string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *clientState) info(sessionID string) (models.SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return models.SessionInfo{}, false
	}
	return entry.info, true
}

// update applies fn to the entry while holding the lock and returns the result.
func (s *clientState) update(entry *sessionEntry, fn func(info *models.SessionInfo)) models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&entry.info)
	return entry.info
}

func (s *clientState) removeSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// list returns session infos, oldest first.
func (s *clientState) list() []models.SessionInfo {
	s.mu.RLock()
	out := make([]models.SessionInfo, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, entry.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *clientState) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// expire drops sessions not updated since cutoff and returns their ids.
func (s *clientState) expire(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for id, entry := range s.sessions {
		if entry.info.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (s *clientState) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions) == 0
}

func (s *clientState) reset() {
	s.mu.Lock()
	s.sessions = make(map[string]*sessionEntry)
	s.mu.Unlock()
}

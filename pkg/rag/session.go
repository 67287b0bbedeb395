package rag

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/documind/internal/models"
)

// Session is the conversation history of one user. It lives as long as the
// chat loop or websocket connection that created it and is never persisted.
type Session struct {
	id      string
	started time.Time

	mu    sync.Mutex
	turns []models.Turn
}

func NewSession() *Session {
	return &Session{id: uuid.NewString(), started: time.Now()}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Started() time.Time {
	return s.started
}

// Append records a turn. History only grows until Reset.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, models.Turn{Role: role, Content: content, At: time.Now()})
}

// History returns a copy of the recorded turns, oldest first.
func (s *Session) History() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]models.Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Reset clears the history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

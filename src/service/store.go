package service

import (
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
)

var (
	// ErrNotFound is returned for unknown message ids.
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when a user edits or deletes someone else's message.
	ErrForbidden = errors.New("not the author of this message")
)

// Store keeps messages in memory, ordered by creation.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	order  []int64
	byID   map[int64]*types.Message
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nextID: 1,
		byID:   make(map[int64]*types.Message),
		now:    time.Now,
	}
}

// Create appends a message and assigns it the next id.
func (s *Store) Create(authorID int64, authorName, content string, kind types.MessageKind) types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &types.Message{
		ID:         s.nextID,
		Content:    content,
		AuthorID:   authorID,
		AuthorName: authorName,
		Kind:       kind,
		CreatedAt:  s.now().UTC(),
	}
	s.nextID++
	s.byID[m.ID] = m
	s.order = append(s.order, m.ID)
	return *m
}

// Update replaces the content of a message owned by editorID.
func (s *Store) Update(id, editorID int64, content string) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}
	if m.AuthorID != editorID {
		return types.Message{}, ErrForbidden
	}
	now := s.now().UTC()
	m.Content = content
	m.Edited = true
	m.EditedAt = &now
	return *m, nil
}

// Delete removes a message owned by userID.
func (s *Store) Delete(id, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.AuthorID != userID {
		return ErrForbidden
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Page returns page p (1-based) of size limit counted back from the newest
// message. Messages within a page are oldest first.
func (s *Store) Page(p, limit int) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p < 1 || limit < 1 {
		return nil
	}
	end := len(s.order) - (p-1)*limit
	if end <= 0 {
		return []types.Message{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]types.Message, 0, end-start)
	for _, id := range s.order[start:end] {
		out = append(out, *s.byID[id])
	}
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Package credentials holds the bearer token a session authenticates with.
package credentials

import (
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Store supplies the current bearer token and guards against more than one
// open session using it.
type Store struct {
	mu       sync.RWMutex
	token    string
	inUse    bool
	onRevoke []func()
	logger   zerolog.Logger
}

// NewStore creates a store holding token, which may be empty.
func NewStore(token string, logger zerolog.Logger) *Store {
	return &Store{
		token:  token,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// Token returns the current token, or "" when none is held.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token.
func (s *Store) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// OnRevoke registers a callback run after the token is revoked.
func (s *Store) OnRevoke(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoke = append(s.onRevoke, fn)
}

// Revoke drops the token after the server rejected it.
func (s *Store) Revoke() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	cbs := append([]func(){}, s.onRevoke...)
	s.mu.Unlock()

	s.logger.Warn().Msg("credential revoked")
	for _, fn := range cbs {
		fn()
	}
}

// Acquire marks the store as used by a session. It fails with
// types.ErrSessionActive while another session holds it.
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse {
		return types.ErrSessionActive
	}
	s.inUse = true
	return nil
}

// Release ends the hold taken by Acquire.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse = false
}

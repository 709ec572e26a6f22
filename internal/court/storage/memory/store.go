// Package memory provides an in-memory SessionStore for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/storage"
)

// Store keeps session records in process memory with the same semantics as
// the SQLite store, including the single-active-session-per-couple rule and
// compare-and-set updates.
type Store struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{sessions: make(map[string]domain.Session)}
}

// PutSession inserts a new session record.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.CoupleID == session.CoupleID && !existing.Phase.Terminal() {
			return storage.ErrActiveSessionExists
		}
	}
	s.sessions[session.ID] = session
	return nil
}

// UpdateSession replaces a record when the stored version matches.
func (s *Store) UpdateSession(ctx context.Context, session domain.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return session, nil
}

// GetActiveSessionByCouple loads the couple's current non-terminal session.
func (s *Store) GetActiveSessionByCouple(ctx context.Context, coupleID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.CoupleID == coupleID && !session.Phase.Terminal() {
			return session, nil
		}
	}
	return domain.Session{}, storage.ErrNotFound
}

// ListOpenSessions returns every non-terminal session.
func (s *Store) ListOpenSessions(ctx context.Context) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []domain.Session
	for _, session := range s.sessions {
		if !session.Phase.Terminal() {
			open = append(open, session)
		}
	}
	return open, nil
}

// Package storage defines the persistence boundary for court sessions.
//
// The state store is the single source of truth across restarts: every
// session mutation is written through synchronously before the caller is
// acknowledged. Sessions are soft-closed, never deleted, so terminal records
// remain auditable.
package storage

import (
	"context"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

// ErrNotFound indicates a requested session record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "session not found")

// ErrActiveSessionExists indicates an insert collided with an existing
// non-terminal session for the same couple. At most one active session may
// exist per couple at any time.
var ErrActiveSessionExists = apperrors.New(apperrors.CodeActiveSessionExists, "active session already exists for couple")

// ErrVersionConflict indicates a compare-and-set update lost a race: the
// stored version no longer matches the caller's expectation.
var ErrVersionConflict = apperrors.New(apperrors.CodePreconditionFailed, "session version conflict")

// SessionStore persists court session state.
type SessionStore interface {
	// PutSession inserts a new session. Returns ErrActiveSessionExists when
	// the couple already has a non-terminal session.
	PutSession(ctx context.Context, session domain.Session) error

	// UpdateSession replaces a session record if and only if the stored
	// version equals expectedVersion. Returns ErrVersionConflict on a lost
	// race and ErrNotFound for unknown sessions.
	UpdateSession(ctx context.Context, session domain.Session, expectedVersion int64) error

	// GetSession loads a session by id.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)

	// GetActiveSessionByCouple loads the couple's current non-terminal
	// session, or ErrNotFound when none is open.
	GetActiveSessionByCouple(ctx context.Context, coupleID string) (domain.Session, error)

	// ListOpenSessions returns every non-terminal session. Used on process
	// start to rehydrate state machines and reconstruct timers.
	ListOpenSessions(ctx context.Context) ([]domain.Session, error)
}

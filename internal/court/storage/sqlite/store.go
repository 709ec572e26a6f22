// Package sqlite provides SQLite-backed persistence for court sessions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/storage"
	"github.com/louisbranch/couplescourt/internal/court/storage/sqlite/migrations"
	sqlitemigrate "github.com/louisbranch/couplescourt/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for session state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a court session SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const sessionColumns = `id, couple_id, user_a_id, user_b_id, phase, phase_started_at,
evidence_a, evidence_b, resolution_menu, pick_a, pick_b, lock_json,
settlement_a, settlement_b, verdict, final_resolution_id, close_reason,
hybrid_requested, error_context, version, created_at, updated_at`

// PutSession inserts a new session row. The partial unique index on open
// sessions per couple makes concurrent creates race-safe: exactly one insert
// wins, the loser maps to ErrActiveSessionExists.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	query := `INSERT INTO court_sessions (` + sessionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrActiveSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession replaces a session row iff the stored version matches.
func (s *Store) UpdateSession(ctx context.Context, session domain.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	// id is the first collected arg; the CAS predicate appends id and version.
	query := `UPDATE court_sessions SET
couple_id = ?, user_a_id = ?, user_b_id = ?, phase = ?, phase_started_at = ?,
evidence_a = ?, evidence_b = ?, resolution_menu = ?, pick_a = ?, pick_b = ?, lock_json = ?,
settlement_a = ?, settlement_b = ?, verdict = ?, final_resolution_id = ?, close_reason = ?,
hybrid_requested = ?, error_context = ?, version = ?, created_at = ?, updated_at = ?
WHERE id = ? AND version = ?`
	updateArgs := append(args[1:], session.ID, expectedVersion)
	result, err := s.sqlDB.ExecContext(ctx, query, updateArgs...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM court_sessions WHERE id = ?", session.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	return storage.ErrVersionConflict
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM court_sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// GetActiveSessionByCouple loads the couple's current non-terminal session.
func (s *Store) GetActiveSessionByCouple(ctx context.Context, coupleID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM court_sessions
WHERE couple_id = ? AND phase NOT IN ('SETTLED', 'CLOSED', 'EXPIRED')`, coupleID)
	return scanSession(row)
}

// ListOpenSessions returns every non-terminal session for rehydration.
func (s *Store) ListOpenSessions(ctx context.Context) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM court_sessions
WHERE phase NOT IN ('SETTLED', 'CLOSED', 'EXPIRED')
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open sessions: %w", err)
	}
	return sessions, nil
}

func sessionArgs(session domain.Session) ([]any, error) {
	evidenceA, err := marshalNullable(session.EvidenceA)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence a: %w", err)
	}
	evidenceB, err := marshalNullable(session.EvidenceB)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence b: %w", err)
	}
	menu, err := json.Marshal(session.ResolutionMenu)
	if err != nil {
		return nil, fmt.Errorf("marshal resolution menu: %w", err)
	}
	lock, err := marshalNullable(session.Lock)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	verdict, err := marshalNullable(session.Verdict)
	if err != nil {
		return nil, fmt.Errorf("marshal verdict: %w", err)
	}

	return []any{
		session.ID,
		session.CoupleID,
		session.UserAID,
		session.UserBID,
		string(session.Phase),
		toMillis(session.PhaseStartedAt),
		evidenceA,
		evidenceB,
		string(menu),
		session.Picks.UserA,
		session.Picks.UserB,
		lock,
		boolToInt(session.Settlement.UserA),
		boolToInt(session.Settlement.UserB),
		verdict,
		session.FinalResolutionID,
		session.CloseReason,
		boolToInt(session.HybridRequested),
		session.ErrorContext,
		session.Version,
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session         domain.Session
		phase           string
		phaseStartedAt  int64
		evidenceA       sql.NullString
		evidenceB       sql.NullString
		menu            string
		lock            sql.NullString
		settlementA     int
		settlementB     int
		verdict         sql.NullString
		hybridRequested int
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(
		&session.ID,
		&session.CoupleID,
		&session.UserAID,
		&session.UserBID,
		&phase,
		&phaseStartedAt,
		&evidenceA,
		&evidenceB,
		&menu,
		&session.Picks.UserA,
		&session.Picks.UserB,
		&lock,
		&settlementA,
		&settlementB,
		&verdict,
		&session.FinalResolutionID,
		&session.CloseReason,
		&hybridRequested,
		&session.ErrorContext,
		&session.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}

	session.Phase = domain.Phase(phase)
	session.PhaseStartedAt = fromMillis(phaseStartedAt)
	session.Settlement.UserA = settlementA != 0
	session.Settlement.UserB = settlementB != 0
	session.HybridRequested = hybridRequested != 0
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)

	if err := unmarshalNullable(evidenceA, &session.EvidenceA); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal evidence a: %w", err)
	}
	if err := unmarshalNullable(evidenceB, &session.EvidenceB); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal evidence b: %w", err)
	}
	if err := json.Unmarshal([]byte(menu), &session.ResolutionMenu); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal resolution menu: %w", err)
	}
	if err := unmarshalNullable(lock, &session.Lock); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal lock: %w", err)
	}
	if err := unmarshalNullable(verdict, &session.Verdict); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return session, nil
}

func marshalNullable(value any) (any, error) {
	switch v := value.(type) {
	case *domain.Evidence:
		if v == nil {
			return nil, nil
		}
	case *domain.ResolutionLock:
		if v == nil {
			return nil, nil
		}
	case *domain.Verdict:
		if v == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalNullable[T any](value sql.NullString, target **T) error {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		*target = nil
		return nil
	}
	decoded := new(T)
	if err := json.Unmarshal([]byte(value.String), decoded); err != nil {
		return err
	}
	*target = decoded
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

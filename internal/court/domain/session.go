package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
	"github.com/louisbranch/couplescourt/internal/platform/id"
)

// Party identifies which side of the couple a user occupies in a session.
type Party string

const (
	// PartyNone indicates the user is not a party to the session.
	PartyNone Party = ""
	// PartyA is the session creator's side.
	PartyA Party = "A"
	// PartyB is the partner's side.
	PartyB Party = "B"
)

// Evidence is one party's submission for the evidence-collection phase.
type Evidence struct {
	Facts       string
	Feelings    string
	SubmittedAt time.Time
}

// Resolution is one option in the offered resolution menu.
type Resolution struct {
	ID          string
	Title       string
	Description string
	// Hybrid marks an option synthesized from both parties' original picks.
	Hybrid bool
}

// ResolutionLock is an advisory claim asserting "I will only accept this option".
// It binds the other party only; the owner's own subsequent pick is always accepted.
type ResolutionLock struct {
	ResolutionID string
	OwnerUserID  string
}

// MismatchPicks records each party's current resolution pick.
// An empty string means the party has not picked.
type MismatchPicks struct {
	UserA string
	UserB string
}

// SettlementRequests records which parties have asked to settle.
type SettlementRequests struct {
	UserA bool
	UserB bool
}

// Verdict is the structured result of the external verdict generator.
type Verdict struct {
	Summary     string
	Reasoning   string
	Resolutions []Resolution
	GeneratedAt time.Time
}

// Session is the stateful record of one couple's ongoing structured interaction.
//
// PhaseStartedAt is an absolute timestamp so elapsed phase time is recoverable
// after a process restart; it is never stored as a relative countdown.
// Version increments on every mutation and is the optimistic-concurrency guard.
type Session struct {
	ID       string
	CoupleID string
	UserAID  string
	UserBID  string

	Phase          Phase
	PhaseStartedAt time.Time

	EvidenceA *Evidence
	EvidenceB *Evidence

	ResolutionMenu []Resolution
	Picks          MismatchPicks
	Lock           *ResolutionLock
	Settlement     SettlementRequests

	Verdict           *Verdict
	FinalResolutionID string
	CloseReason       string

	// HybridRequested guards the mismatch cycle so a hybrid option is
	// requested from the generator exactly once per session.
	HybridRequested bool
	// ErrorContext records which generation step failed ("verdict" or
	// "hybrid") so a retry resumes the right step.
	ErrorContext string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	CoupleID  string
	CreatorID string
	// PartnerID is optional at creation; the second slot stays open until join.
	PartnerID string
}

// NewSession creates a WAITING session with a generated ID and timestamps.
func NewSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.CoupleID = strings.TrimSpace(input.CoupleID)
	if input.CoupleID == "" {
		return Session{}, apperrors.New(apperrors.CodeValidation, "couple id is required")
	}
	input.CreatorID = strings.TrimSpace(input.CreatorID)
	if input.CreatorID == "" {
		return Session{}, apperrors.New(apperrors.CodeValidation, "creator id is required")
	}
	input.PartnerID = strings.TrimSpace(input.PartnerID)
	if input.PartnerID == input.CreatorID {
		return Session{}, apperrors.New(apperrors.CodeValidation, "partner must differ from creator")
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:             sessionID,
		CoupleID:       input.CoupleID,
		UserAID:        input.CreatorID,
		UserBID:        input.PartnerID,
		Phase:          PhaseWaiting,
		PhaseStartedAt: createdAt,
		Version:        1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// PartyOf reports which side of the session the user occupies.
func (s Session) PartyOf(userID string) Party {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PartyNone
	}
	switch userID {
	case s.UserAID:
		return PartyA
	case s.UserBID:
		return PartyB
	default:
		return PartyNone
	}
}

// PartnerID returns the other party's user id, or empty when unknown.
func (s Session) PartnerID(userID string) string {
	switch s.PartyOf(userID) {
	case PartyA:
		return s.UserBID
	case PartyB:
		return s.UserAID
	default:
		return ""
	}
}

// EvidenceFor returns the submission recorded for the given party.
func (s Session) EvidenceFor(party Party) *Evidence {
	switch party {
	case PartyA:
		return s.EvidenceA
	case PartyB:
		return s.EvidenceB
	default:
		return nil
	}
}

// AwaitingEvidence reports which parties have not submitted yet. This is the
// evidence sub-state; it gates submissions without changing the stored phase.
func (s Session) AwaitingEvidence() []Party {
	var waiting []Party
	if s.EvidenceA == nil {
		waiting = append(waiting, PartyA)
	}
	if s.EvidenceB == nil {
		waiting = append(waiting, PartyB)
	}
	return waiting
}

// ResolutionByID returns the menu entry with the given id.
func (s Session) ResolutionByID(resolutionID string) (Resolution, bool) {
	for _, option := range s.ResolutionMenu {
		if option.ID == resolutionID {
			return option, true
		}
	}
	return Resolution{}, false
}

// PickFor returns the current pick recorded for the given party.
func (s Session) PickFor(party Party) string {
	switch party {
	case PartyA:
		return s.Picks.UserA
	case PartyB:
		return s.Picks.UserB
	default:
		return ""
	}
}

// Deadline returns the authoritative absolute deadline for the current phase,
// or false when the phase has no configured timeout.
func (s Session) Deadline(timeoutFor func(Phase) time.Duration) (time.Time, bool) {
	if timeoutFor == nil {
		return time.Time{}, false
	}
	duration := timeoutFor(s.Phase)
	if duration <= 0 {
		return time.Time{}, false
	}
	return s.PhaseStartedAt.Add(duration), true
}

// transition moves the session to the next phase, stamping PhaseStartedAt.
// Callers are responsible for bumping Version once per mutation.
func (s Session) transition(to Phase, now func() time.Time) (Session, error) {
	if !CanTransition(s.Phase, to) {
		return Session{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			fmt.Sprintf("phase %s does not allow transition to %s", s.Phase, to),
			map[string]string{"phase": string(s.Phase), "target": string(to)})
	}
	ts := now().UTC()
	s.Phase = to
	s.PhaseStartedAt = ts
	s.UpdatedAt = ts
	return s, nil
}

func (s Session) touched(now func() time.Time) Session {
	s.UpdatedAt = now().UTC()
	return s
}

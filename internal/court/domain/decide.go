package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

const (
	maxFactsRunes    = 4000
	maxFeelingsRunes = 2000
	maxReasonRunes   = 256

	// ErrorContextVerdict marks a failed verdict generation.
	ErrorContextVerdict = "verdict"
	// ErrorContextHybrid marks a failed hybrid-resolution generation.
	ErrorContextHybrid = "hybrid"
)

// EvidenceInput is the caller-provided evidence payload.
type EvidenceInput struct {
	Facts    string
	Feelings string
}

// JoinResult reports the outcome of a join mutation.
type JoinResult struct {
	BothJoined bool
}

// EvidenceResult reports the outcome of an evidence submission.
type EvidenceResult struct {
	BothSubmitted bool
}

// PickResult reports the outcome of a resolution pick.
type PickResult struct {
	// Finalized is set when both picks match; ResolutionID carries the winner.
	Finalized    bool
	ResolutionID string
	// Mismatch is set when both picks are in and disagree.
	Mismatch bool
	// NeedHybrid asks the caller to request a hybrid option from the
	// generator. Set at most once per session.
	NeedHybrid bool
}

// SettlementResult reports the outcome of a settlement request.
type SettlementResult struct {
	Settled bool
}

// Join admits the second party. The session lands in EVIDENCE_COLLECTION in
// the same mutation: ACTIVE is transited through atomically once both parties
// are present.
func (s Session) Join(userID string, now func() time.Time) (Session, JoinResult, error) {
	if now == nil {
		now = time.Now
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, JoinResult{}, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if s.Phase != PhaseWaiting {
		return Session{}, JoinResult{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session is not waiting for a partner",
			map[string]string{"phase": string(s.Phase)})
	}
	if userID == s.UserAID {
		return Session{}, JoinResult{}, apperrors.New(apperrors.CodePreconditionFailed, "creator already joined")
	}
	if s.UserBID != "" && userID != s.UserBID {
		return Session{}, JoinResult{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
	}
	s.UserBID = userID

	next, err := s.transition(PhaseActive, now)
	if err != nil {
		return Session{}, JoinResult{}, err
	}
	next, err = next.transition(PhaseEvidenceCollection, now)
	if err != nil {
		return Session{}, JoinResult{}, err
	}
	next.Version++
	return next, JoinResult{BothJoined: true}, nil
}

// SubmitEvidence records one party's evidence. When both parties have
// submitted, the session moves to ANALYZING and the caller is expected to
// start verdict generation.
func (s Session) SubmitEvidence(userID string, input EvidenceInput, now func() time.Time) (Session, EvidenceResult, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase != PhaseEvidenceCollection {
		return Session{}, EvidenceResult{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session is not collecting evidence",
			map[string]string{"phase": string(s.Phase)})
	}
	party := s.PartyOf(userID)
	if party == PartyNone {
		return Session{}, EvidenceResult{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
	}
	if s.EvidenceFor(party) != nil {
		return Session{}, EvidenceResult{}, apperrors.New(apperrors.CodePreconditionFailed, "evidence already submitted")
	}

	input.Facts = strings.TrimSpace(input.Facts)
	if input.Facts == "" {
		return Session{}, EvidenceResult{}, apperrors.New(apperrors.CodeValidation, "facts are required")
	}
	if utf8.RuneCountInString(input.Facts) > maxFactsRunes {
		return Session{}, EvidenceResult{}, apperrors.New(apperrors.CodeValidation, "facts exceed the maximum length")
	}
	input.Feelings = strings.TrimSpace(input.Feelings)
	if utf8.RuneCountInString(input.Feelings) > maxFeelingsRunes {
		return Session{}, EvidenceResult{}, apperrors.New(apperrors.CodeValidation, "feelings exceed the maximum length")
	}

	evidence := &Evidence{
		Facts:       input.Facts,
		Feelings:    input.Feelings,
		SubmittedAt: now().UTC(),
	}
	switch party {
	case PartyA:
		s.EvidenceA = evidence
	case PartyB:
		s.EvidenceB = evidence
	}

	result := EvidenceResult{BothSubmitted: s.EvidenceA != nil && s.EvidenceB != nil}
	if result.BothSubmitted {
		next, err := s.transition(PhaseAnalyzing, now)
		if err != nil {
			return Session{}, EvidenceResult{}, err
		}
		next.Version++
		return next, result, nil
	}

	s = s.touched(now)
	s.Version++
	return s, result, nil
}

// BeginAnalysis forces the move to ANALYZING. Used by the evidence timeout
// policy when exactly one party submitted: the absent party forfeits.
func (s Session) BeginAnalysis(now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if s.EvidenceA == nil && s.EvidenceB == nil {
		return Session{}, apperrors.New(apperrors.CodePreconditionFailed, "no evidence to analyze")
	}
	next, err := s.transition(PhaseAnalyzing, now)
	if err != nil {
		return Session{}, err
	}
	next.Version++
	return next, nil
}

// OfferResolutions stores the generator verdict and opens the resolution menu.
func (s Session) OfferResolutions(verdict Verdict, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if len(verdict.Resolutions) == 0 {
		return Session{}, apperrors.New(apperrors.CodeValidation, "verdict carries no resolution options")
	}
	next, err := s.transition(PhaseResolutionOffered, now)
	if err != nil {
		return Session{}, err
	}
	next.Verdict = &verdict
	next.ResolutionMenu = verdict.Resolutions
	next.ErrorContext = ""
	next.Version++
	return next, nil
}

// PickResolution records a party's pick, applying the advisory lock protocol:
//
//  1. A first pick with lock requested sets the lock.
//  2. A lock owned by the other party binds the caller to the locked option.
//  3. The lock owner's own pick is always accepted.
//  4. Matching picks finalize the resolution and settle the session.
//  5. Diverging picks enter MISMATCH; a hybrid option is requested once.
func (s Session) PickResolution(userID, resolutionID string, lockRequested bool, now func() time.Time) (Session, PickResult, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase != PhaseResolutionOffered && s.Phase != PhaseResolutionPick {
		return Session{}, PickResult{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session is not accepting resolution picks",
			map[string]string{"phase": string(s.Phase)})
	}
	party := s.PartyOf(userID)
	if party == PartyNone {
		return Session{}, PickResult{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
	}
	resolutionID = strings.TrimSpace(resolutionID)
	if _, ok := s.ResolutionByID(resolutionID); !ok {
		return Session{}, PickResult{}, apperrors.WithMetadata(apperrors.CodeNotFound,
			"resolution is not on the menu",
			map[string]string{"resolution_id": resolutionID})
	}

	if s.Lock != nil && s.Lock.OwnerUserID != userID && resolutionID != s.Lock.ResolutionID {
		return Session{}, PickResult{}, apperrors.WithMetadata(apperrors.CodeMustMatchLockedOption,
			"partner locked a different option",
			map[string]string{"locked_resolution_id": s.Lock.ResolutionID})
	}
	if lockRequested && s.Lock == nil {
		s.Lock = &ResolutionLock{ResolutionID: resolutionID, OwnerUserID: userID}
	}

	switch party {
	case PartyA:
		s.Picks.UserA = resolutionID
	case PartyB:
		s.Picks.UserB = resolutionID
	}

	if s.Phase == PhaseResolutionOffered {
		next, err := s.transition(PhaseResolutionPick, now)
		if err != nil {
			return Session{}, PickResult{}, err
		}
		s = next
	}

	if s.Picks.UserA == "" || s.Picks.UserB == "" {
		s = s.touched(now)
		s.Version++
		return s, PickResult{}, nil
	}

	if s.Picks.UserA == s.Picks.UserB {
		final := s.Picks.UserA
		next, err := s.transition(PhaseSettled, now)
		if err != nil {
			return Session{}, PickResult{}, err
		}
		next.FinalResolutionID = final
		next.Version++
		return next, PickResult{Finalized: true, ResolutionID: final}, nil
	}

	next, err := s.transition(PhaseMismatch, now)
	if err != nil {
		return Session{}, PickResult{}, err
	}
	// The diverging picks stay recorded through MISMATCH so the hybrid
	// request can be rebuilt after a failure or restart. The lock is
	// spent.
	next.Lock = nil
	needHybrid := !next.HybridRequested
	next.Version++
	return next, PickResult{Mismatch: true, NeedHybrid: needHybrid}, nil
}

// ExpandMenu appends the synthesized hybrid option and reopens picking.
func (s Session) ExpandMenu(hybrid Resolution, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase != PhaseMismatch {
		return Session{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session is not in mismatch",
			map[string]string{"phase": string(s.Phase)})
	}
	if strings.TrimSpace(hybrid.ID) == "" {
		return Session{}, apperrors.New(apperrors.CodeValidation, "hybrid resolution id is required")
	}
	hybrid.Hybrid = true
	next, err := s.transition(PhaseResolutionPick, now)
	if err != nil {
		return Session{}, err
	}
	next.ResolutionMenu = append(next.ResolutionMenu, hybrid)
	next.HybridRequested = true
	next.Picks = MismatchPicks{}
	next.ErrorContext = ""
	next.Version++
	return next, nil
}

// ReturnToPick reopens picking after a repeat mismatch. The menu already
// carries the hybrid option, so no new generation happens.
func (s Session) ReturnToPick(now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase != PhaseMismatch {
		return Session{}, apperrors.New(apperrors.CodePreconditionFailed, "session is not in mismatch")
	}
	next, err := s.transition(PhaseResolutionPick, now)
	if err != nil {
		return Session{}, err
	}
	next.Picks = MismatchPicks{}
	next.Version++
	return next, nil
}

// RequestSettlement records one party's request to settle. The session
// settles only once both parties have requested it.
func (s Session) RequestSettlement(userID string, now func() time.Time) (Session, SettlementResult, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase.Terminal() || s.Phase == PhaseWaiting {
		return Session{}, SettlementResult{}, apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session cannot settle in its current phase",
			map[string]string{"phase": string(s.Phase)})
	}
	party := s.PartyOf(userID)
	if party == PartyNone {
		return Session{}, SettlementResult{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
	}

	switch party {
	case PartyA:
		s.Settlement.UserA = true
	case PartyB:
		s.Settlement.UserB = true
	}

	if s.Settlement.UserA && s.Settlement.UserB {
		next, err := s.transition(PhaseSettled, now)
		if err != nil {
			return Session{}, SettlementResult{}, err
		}
		next.Version++
		return next, SettlementResult{Settled: true}, nil
	}

	s = s.touched(now)
	s.Version++
	return s, SettlementResult{}, nil
}

// Close performs the administrative terminal transition from any
// non-terminal phase.
func (s Session) Close(reason string, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonRunes {
		return Session{}, apperrors.New(apperrors.CodeValidation, "close reason exceeds the maximum length")
	}
	next, err := s.transition(PhaseClosed, now)
	if err != nil {
		return Session{}, err
	}
	next.CloseReason = reason
	next.Version++
	return next, nil
}

// Expire moves the session to EXPIRED when an absolute deadline passed.
func (s Session) Expire(now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	next, err := s.transition(PhaseExpired, now)
	if err != nil {
		return Session{}, err
	}
	next.Version++
	return next, nil
}

// MarkError parks the session in the visible ERROR phase after the generator
// exhausted its retry budget, instead of leaving it stuck in ANALYZING.
func (s Session) MarkError(errorContext string, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if errorContext != ErrorContextVerdict && errorContext != ErrorContextHybrid {
		return Session{}, apperrors.New(apperrors.CodeValidation, "unknown error context")
	}
	next, err := s.transition(PhaseError, now)
	if err != nil {
		return Session{}, err
	}
	next.ErrorContext = errorContext
	next.Version++
	return next, nil
}

// RetryAnalysis re-triggers whichever generation step failed. It returns the
// error context that should be re-run.
func (s Session) RetryAnalysis(now func() time.Time) (Session, string, error) {
	if now == nil {
		now = time.Now
	}
	if s.Phase != PhaseError {
		return Session{}, "", apperrors.WithMetadata(apperrors.CodePreconditionFailed,
			"session is not in the error phase",
			map[string]string{"phase": string(s.Phase)})
	}
	target := PhaseAnalyzing
	step := ErrorContextVerdict
	if s.ErrorContext == ErrorContextHybrid {
		target = PhaseMismatch
		step = ErrorContextHybrid
	}
	next, err := s.transition(target, now)
	if err != nil {
		return Session{}, "", err
	}
	next.Version++
	return next, step, nil
}

package orchestrator

import (
	"context"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/risk"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

// CreateSession opens a WAITING session for the couple. At most one
// non-terminal session may exist per couple; the store enforces it.
func (o *Orchestrator) CreateSession(ctx context.Context, input domain.CreateSessionInput) (domain.Session, error) {
	if err := o.screen(ctx, risk.Check{
		Action:   risk.ActionCreateSession,
		UserID:   input.CreatorID,
		CoupleID: input.CoupleID,
	}); err != nil {
		return domain.Session{}, err
	}

	session, err := domain.NewSession(input, o.now, nil)
	if err != nil {
		return domain.Session{}, err
	}
	if err := o.store.PutSession(ctx, session); err != nil {
		return domain.Session{}, err
	}
	o.afterWrite(ctx, session)
	o.broadcaster.BroadcastSession(Event{Type: EventSessionCreated, Session: session})
	return session, nil
}

// Join admits the partner. On success the session is already in
// EVIDENCE_COLLECTION; ACTIVE was passed through in the same mutation.
func (o *Orchestrator) Join(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	next, err := o.mutate(ctx, "court.join", sessionID, func(s domain.Session) (domain.Session, error) {
		updated, _, err := s.Join(userID, o.now)
		return updated, err
	})
	if err != nil {
		return domain.Session{}, err
	}
	o.broadcaster.BroadcastSession(Event{Type: EventPartnerJoined, Session: next})
	return next, nil
}

// SubmitEvidence records one party's submission. The second submission
// moves the session to ANALYZING and starts verdict generation.
func (o *Orchestrator) SubmitEvidence(ctx context.Context, sessionID, userID string, input domain.EvidenceInput) (domain.Session, domain.EvidenceResult, error) {
	if err := o.screen(ctx, risk.Check{
		Action: risk.ActionSubmitEvidence,
		UserID: userID,
		Text:   input.Facts + "\n" + input.Feelings,
	}); err != nil {
		return domain.Session{}, domain.EvidenceResult{}, err
	}

	var result domain.EvidenceResult
	next, err := o.mutate(ctx, "court.submit_evidence", sessionID, func(s domain.Session) (domain.Session, error) {
		updated, r, err := s.SubmitEvidence(userID, input, o.now)
		if err != nil {
			return domain.Session{}, err
		}
		result = r
		return updated, nil
	})
	if err != nil {
		return domain.Session{}, domain.EvidenceResult{}, err
	}

	o.broadcaster.BroadcastSession(Event{Type: EventEvidenceSubmitted, Session: next})
	if result.BothSubmitted {
		o.broadcaster.BroadcastSession(Event{Type: EventAnalysisStarted, Session: next})
		o.startVerdictGeneration(sessionID)
	}
	return next, result, nil
}

// PickResolution records a party's pick under the session's
// distributed lock. Matching picks settle the session; diverging picks
// enter the mismatch cycle and request a hybrid option the first time.
func (o *Orchestrator) PickResolution(ctx context.Context, sessionID, userID, resolutionID string, lockRequested bool) (domain.Session, domain.PickResult, error) {
	var next domain.Session
	var result domain.PickResult

	err := o.withLock(ctx, sessionID, func() error {
		var err error
		next, err = o.mutate(ctx, "court.pick_resolution", sessionID, func(s domain.Session) (domain.Session, error) {
			updated, r, err := s.PickResolution(userID, resolutionID, lockRequested, o.now)
			if err != nil {
				return domain.Session{}, err
			}
			result = r
			return updated, nil
		})
		return err
	})
	if err != nil {
		return domain.Session{}, domain.PickResult{}, err
	}

	switch {
	case result.Finalized:
		o.broadcaster.BroadcastSession(Event{Type: EventSettled, Session: next})
	case result.Mismatch:
		o.broadcaster.BroadcastSession(Event{Type: EventMismatch, Session: next})
		if result.NeedHybrid {
			o.startHybridGeneration(sessionID)
		} else {
			reopened, err := o.reopenPicking(ctx, sessionID)
			if err != nil {
				return domain.Session{}, domain.PickResult{}, err
			}
			next = reopened
		}
	default:
		o.broadcaster.BroadcastSession(Event{Type: EventResolutionPicked, Session: next})
	}
	return next, result, nil
}

// RequestSettlement records one party's wish to settle; the session
// settles once both have asked.
func (o *Orchestrator) RequestSettlement(ctx context.Context, sessionID, userID string) (domain.Session, domain.SettlementResult, error) {
	var next domain.Session
	var result domain.SettlementResult

	err := o.withLock(ctx, sessionID, func() error {
		var err error
		next, err = o.mutate(ctx, "court.request_settlement", sessionID, func(s domain.Session) (domain.Session, error) {
			updated, r, err := s.RequestSettlement(userID, o.now)
			if err != nil {
				return domain.Session{}, err
			}
			result = r
			return updated, nil
		})
		return err
	})
	if err != nil {
		return domain.Session{}, domain.SettlementResult{}, err
	}

	if result.Settled {
		o.broadcaster.BroadcastSession(Event{Type: EventSettled, Session: next})
	} else {
		o.broadcaster.BroadcastSession(Event{Type: EventSessionUpdated, Session: next})
	}
	return next, result, nil
}

// CloseSession is the party-initiated administrative close.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID, userID, reason string) (domain.Session, error) {
	next, err := o.mutate(ctx, "court.close", sessionID, func(s domain.Session) (domain.Session, error) {
		if s.PartyOf(userID) == domain.PartyNone {
			return domain.Session{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
		}
		return s.Close(reason, o.now)
	})
	if err != nil {
		return domain.Session{}, err
	}
	o.broadcaster.BroadcastSession(Event{Type: EventSessionClosed, Session: next})
	return next, nil
}

// RetryVerdict re-runs whichever generation step parked the session in
// ERROR.
func (o *Orchestrator) RetryVerdict(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	var step string
	next, err := o.mutate(ctx, "court.retry_verdict", sessionID, func(s domain.Session) (domain.Session, error) {
		if s.PartyOf(userID) == domain.PartyNone {
			return domain.Session{}, apperrors.New(apperrors.CodeForbidden, "caller is not a party to this session")
		}
		updated, retryStep, err := s.RetryAnalysis(o.now)
		if err != nil {
			return domain.Session{}, err
		}
		step = retryStep
		return updated, nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	o.broadcaster.BroadcastSession(Event{Type: EventAnalysisStarted, Session: next})
	switch step {
	case domain.ErrorContextVerdict:
		o.startVerdictGeneration(sessionID)
	case domain.ErrorContextHybrid:
		o.startHybridGeneration(sessionID)
	}
	return next, nil
}

// reopenPicking returns a mismatched session to RESOLUTION_PICK over
// the menu as it stands. Used after a repeat mismatch and when restart
// recovery finds a session whose hybrid request died with the process.
func (o *Orchestrator) reopenPicking(ctx context.Context, sessionID string) (domain.Session, error) {
	next, err := o.mutate(ctx, "court.reopen_picking", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.ReturnToPick(o.now)
	})
	if err != nil {
		return domain.Session{}, err
	}
	o.broadcaster.BroadcastSession(Event{Type: EventSessionUpdated, Session: next})
	return next, nil
}

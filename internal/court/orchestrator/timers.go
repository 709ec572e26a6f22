package orchestrator

import (
	"context"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/platform/timeouts"
)

// TimeoutConfig holds the per-phase inactivity budgets. A zero value
// falls back to the default for that phase; deadlines are computed
// from the session's absolute PhaseStartedAt, never from a countdown.
type TimeoutConfig struct {
	Waiting   time.Duration
	Evidence  time.Duration
	Analyzing time.Duration
	Pick      time.Duration
	Mismatch  time.Duration
	Error     time.Duration
}

func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		Waiting:   24 * time.Hour,
		Evidence:  24 * time.Hour,
		Analyzing: 5 * time.Minute,
		Pick:      24 * time.Hour,
		Mismatch:  5 * time.Minute,
		Error:     72 * time.Hour,
	}
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	defaults := DefaultTimeouts()
	if c.Waiting <= 0 {
		c.Waiting = defaults.Waiting
	}
	if c.Evidence <= 0 {
		c.Evidence = defaults.Evidence
	}
	if c.Analyzing <= 0 {
		c.Analyzing = defaults.Analyzing
	}
	if c.Pick <= 0 {
		c.Pick = defaults.Pick
	}
	if c.Mismatch <= 0 {
		c.Mismatch = defaults.Mismatch
	}
	if c.Error <= 0 {
		c.Error = defaults.Error
	}
	return c
}

// For returns the budget for a phase, or zero for phases that do not
// time out.
func (c TimeoutConfig) For(phase domain.Phase) time.Duration {
	switch phase {
	case domain.PhaseWaiting:
		return c.Waiting
	case domain.PhaseEvidenceCollection:
		return c.Evidence
	case domain.PhaseAnalyzing:
		return c.Analyzing
	case domain.PhaseResolutionOffered, domain.PhaseResolutionPick:
		return c.Pick
	case domain.PhaseMismatch:
		return c.Mismatch
	case domain.PhaseError:
		return c.Error
	default:
		return 0
	}
}

// schedule arms the session's phase timer, replacing any previous one.
// A deadline already in the past fires immediately.
func (o *Orchestrator) schedule(session domain.Session) {
	deadline, ok := session.Deadline(o.timeouts.For)

	o.mu.Lock()
	defer o.mu.Unlock()
	if timer := o.timers[session.ID]; timer != nil {
		timer.Stop()
		delete(o.timers, session.ID)
	}
	if !ok || o.closed {
		return
	}

	remaining := deadline.Sub(o.now())
	if remaining < 0 {
		remaining = 0
	}
	sessionID := session.ID
	phase := session.Phase
	startedAt := session.PhaseStartedAt
	o.timers[sessionID] = time.AfterFunc(remaining, func() {
		if !o.beginWork() {
			return
		}
		defer o.background.Done()
		o.handleTimeout(sessionID, phase, startedAt)
	})
}

func (o *Orchestrator) cancelTimer(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer := o.timers[sessionID]; timer != nil {
		timer.Stop()
		delete(o.timers, sessionID)
	}
}

// handleTimeout applies the phase's timeout policy. The session is
// reloaded and the phase re-checked first: a timer armed for an old
// phase must never fire against a newer one.
func (o *Orchestrator) handleTimeout(sessionID string, phase domain.Phase, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.UpstreamRequest)
	defer cancel()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Printf("timeout for session %s: load: %v", sessionID, err)
		return
	}
	if session.Phase != phase || !session.PhaseStartedAt.Equal(startedAt) {
		return
	}

	switch phase {
	case domain.PhaseWaiting:
		o.expireSession(ctx, sessionID)

	case domain.PhaseEvidenceCollection:
		// One submission means the absent party forfeits; none means
		// the session lapses.
		if session.EvidenceA != nil || session.EvidenceB != nil {
			next, err := o.mutate(ctx, "court.timeout_forfeit", sessionID, func(s domain.Session) (domain.Session, error) {
				return s.BeginAnalysis(o.now)
			})
			if err != nil {
				o.logger.Printf("timeout for session %s: forfeit: %v", sessionID, err)
				return
			}
			o.broadcaster.BroadcastSession(Event{Type: EventAnalysisStarted, Session: next})
			o.startVerdictGeneration(sessionID)
			return
		}
		o.expireSession(ctx, sessionID)

	case domain.PhaseAnalyzing:
		next, err := o.mutate(ctx, "court.timeout_error", sessionID, func(s domain.Session) (domain.Session, error) {
			return s.MarkError(domain.ErrorContextVerdict, o.now)
		})
		if err != nil {
			o.logger.Printf("timeout for session %s: mark error: %v", sessionID, err)
			return
		}
		o.broadcaster.BroadcastSession(Event{Type: EventSessionError, Session: next})

	case domain.PhaseResolutionOffered, domain.PhaseResolutionPick, domain.PhaseMismatch:
		o.closeSession(ctx, sessionID, "timeout")

	case domain.PhaseError:
		o.closeSession(ctx, sessionID, "abandoned")
	}
}

func (o *Orchestrator) expireSession(ctx context.Context, sessionID string) {
	next, err := o.mutate(ctx, "court.timeout_expire", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.Expire(o.now)
	})
	if err != nil {
		o.logger.Printf("timeout for session %s: expire: %v", sessionID, err)
		return
	}
	o.broadcaster.BroadcastSession(Event{Type: EventSessionExpired, Session: next})
}

func (o *Orchestrator) closeSession(ctx context.Context, sessionID, reason string) {
	next, err := o.mutate(ctx, "court.timeout_close", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.Close(reason, o.now)
	})
	if err != nil {
		o.logger.Printf("timeout for session %s: close: %v", sessionID, err)
		return
	}
	o.broadcaster.BroadcastSession(Event{Type: EventSessionClosed, Session: next})
}

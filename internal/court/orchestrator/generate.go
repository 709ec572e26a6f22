package orchestrator

import (
	"context"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/verdict"
	"github.com/louisbranch/couplescourt/internal/platform/timeouts"
)

// generationBudget bounds one whole generation run, retries included.
const generationBudget = 45 * time.Second

func (o *Orchestrator) startVerdictGeneration(sessionID string) {
	if !o.beginWork() {
		return
	}
	go func() {
		defer o.background.Done()
		o.generateVerdict(sessionID)
	}()
}

// generateVerdict runs off the request path: the session sits visibly
// in ANALYZING while the generator works. Exhausted retries park it in
// ERROR rather than leaving it stuck.
func (o *Orchestrator) generateVerdict(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), generationBudget)
	defer cancel()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Printf("verdict generation for session %s: load: %v", sessionID, err)
		return
	}
	if session.Phase != domain.PhaseAnalyzing {
		return
	}

	req := verdict.Request{
		SessionID: session.ID,
		CoupleID:  session.CoupleID,
		Forfeit:   session.EvidenceA == nil || session.EvidenceB == nil,
	}
	if session.EvidenceA != nil {
		req.EvidenceA = *session.EvidenceA
	}
	if session.EvidenceB != nil {
		req.EvidenceB = *session.EvidenceB
	}

	generated, err := o.generator.GenerateVerdict(ctx, req)
	if err != nil {
		o.logger.Printf("verdict generation for session %s failed: %v", sessionID, err)
		o.markGenerationError(sessionID, domain.ErrorContextVerdict)
		return
	}

	next, err := o.mutate(ctx, "court.offer_resolutions", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.OfferResolutions(generated, o.now)
	})
	if err != nil {
		o.logger.Printf("offer resolutions for session %s: %v", sessionID, err)
		return
	}
	o.broadcaster.BroadcastSession(Event{Type: EventVerdictReady, Session: next})
}

func (o *Orchestrator) startHybridGeneration(sessionID string) {
	if !o.beginWork() {
		return
	}
	go func() {
		defer o.background.Done()
		o.generateHybrid(sessionID)
	}()
}

// generateHybrid synthesizes the blended option after the first
// mismatch. The diverging picks stay recorded on the session through
// MISMATCH, so a retry or a restarted process rebuilds the same
// request.
func (o *Orchestrator) generateHybrid(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), generationBudget)
	defer cancel()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Printf("hybrid generation for session %s: load: %v", sessionID, err)
		return
	}
	if session.Phase != domain.PhaseMismatch {
		return
	}

	req := verdict.HybridRequest{SessionID: session.ID}
	req.PickA, _ = session.ResolutionByID(session.Picks.UserA)
	req.PickB, _ = session.ResolutionByID(session.Picks.UserB)
	if session.Verdict != nil {
		req.Verdict = *session.Verdict
	}

	hybrid, err := o.generator.GenerateHybrid(ctx, req)
	if err != nil {
		o.logger.Printf("hybrid generation for session %s failed: %v", sessionID, err)
		o.markGenerationError(sessionID, domain.ErrorContextHybrid)
		return
	}

	next, err := o.mutate(ctx, "court.expand_menu", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.ExpandMenu(hybrid, o.now)
	})
	if err != nil {
		o.logger.Printf("expand menu for session %s: %v", sessionID, err)
		return
	}
	o.broadcaster.BroadcastSession(Event{Type: EventMenuExpanded, Session: next})
}

// markGenerationError runs on its own deadline: the generation context
// may already be spent when the failure is recorded.
func (o *Orchestrator) markGenerationError(sessionID, errorContext string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.UpstreamRequest)
	defer cancel()

	next, err := o.mutate(ctx, "court.mark_error", sessionID, func(s domain.Session) (domain.Session, error) {
		return s.MarkError(errorContext, o.now)
	})
	if err != nil {
		o.logger.Printf("mark error for session %s: %v", sessionID, err)
		return
	}
	o.broadcaster.BroadcastSession(Event{Type: EventSessionError, Session: next})
}

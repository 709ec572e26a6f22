package domain

// Phase is a named state in the session lifecycle state machine.
type Phase string

const (
	// PhaseWaiting indicates one party created the session and the partner has not joined.
	PhaseWaiting Phase = "WAITING"
	// PhaseActive indicates both parties have joined.
	PhaseActive Phase = "ACTIVE"
	// PhaseEvidenceCollection indicates parties may submit evidence.
	PhaseEvidenceCollection Phase = "EVIDENCE_COLLECTION"
	// PhaseAnalyzing indicates the verdict generator is running.
	PhaseAnalyzing Phase = "ANALYZING"
	// PhaseResolutionOffered indicates the resolution menu is available and no pick was made yet.
	PhaseResolutionOffered Phase = "RESOLUTION_OFFERED"
	// PhaseResolutionPick indicates at least one party has picked from the menu.
	PhaseResolutionPick Phase = "RESOLUTION_PICK"
	// PhaseMismatch indicates both picks are in and disagree; a hybrid option is being synthesized.
	PhaseMismatch Phase = "MISMATCH"
	// PhaseSettled indicates both parties agreed to settle. Terminal.
	PhaseSettled Phase = "SETTLED"
	// PhaseClosed indicates an administrative or timeout close. Terminal.
	PhaseClosed Phase = "CLOSED"
	// PhaseExpired indicates the session passed an absolute deadline before completing. Terminal.
	PhaseExpired Phase = "EXPIRED"
	// PhaseError indicates verdict generation exhausted its retry budget.
	// Visible and recoverable: the caller may re-trigger analysis.
	PhaseError Phase = "ERROR"
)

// transitions is the directed phase graph. The only legal cycle is
// RESOLUTION_PICK <-> MISMATCH; every other edge moves forward.
var transitions = map[Phase][]Phase{
	PhaseWaiting:            {PhaseActive, PhaseClosed, PhaseExpired},
	PhaseActive:             {PhaseEvidenceCollection, PhaseClosed, PhaseExpired},
	PhaseEvidenceCollection: {PhaseAnalyzing, PhaseSettled, PhaseClosed, PhaseExpired},
	PhaseAnalyzing:          {PhaseResolutionOffered, PhaseError, PhaseSettled, PhaseClosed, PhaseExpired},
	PhaseResolutionOffered:  {PhaseResolutionPick, PhaseSettled, PhaseClosed, PhaseExpired},
	PhaseResolutionPick:     {PhaseMismatch, PhaseSettled, PhaseClosed, PhaseExpired},
	PhaseMismatch:           {PhaseResolutionPick, PhaseError, PhaseSettled, PhaseClosed, PhaseExpired},
	PhaseError:              {PhaseAnalyzing, PhaseMismatch, PhaseClosed, PhaseExpired},
	PhaseSettled:            nil,
	PhaseClosed:             nil,
	PhaseExpired:            nil,
}

// IsValid reports whether the phase is a known value.
func (p Phase) IsValid() bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether the phase ends the session lifecycle.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseClosed, PhaseExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the directed phase graph allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

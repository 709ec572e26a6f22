package orchestrator

import "github.com/louisbranch/couplescourt/internal/court/domain"

// Outbound event types. The gateway relays these verbatim as frame
// types; the fan-out bus reuses EventSessionUpdated for peer sync.
const (
	EventSessionCreated    = "court.session_created"
	EventPartnerJoined     = "court.partner_joined"
	EventEvidenceSubmitted = "court.evidence_submitted"
	EventAnalysisStarted   = "court.analysis_started"
	EventVerdictReady      = "court.verdict_ready"
	EventResolutionPicked  = "court.resolution_picked"
	EventMismatch          = "court.resolution_mismatch"
	EventMenuExpanded      = "court.menu_expanded"
	EventSettled           = "court.settled"
	EventSessionClosed     = "court.session_closed"
	EventSessionExpired    = "court.session_expired"
	EventSessionError      = "court.session_error"
	EventSessionUpdated    = "court.session_updated"
)

// Event is one session announcement for connected clients.
type Event struct {
	Type    string
	Session domain.Session
}

// Broadcaster delivers session events to this instance's connected
// clients. The realtime gateway implements it.
type Broadcaster interface {
	BroadcastSession(event Event)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastSession(Event) {}

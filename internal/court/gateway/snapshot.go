package gateway

import (
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
)

// Snapshot is the wire view of a session. The same shape serves the
// HTTP API and the websocket frames.
type Snapshot struct {
	ID             string `json:"id"`
	CoupleID       string `json:"couple_id"`
	UserAID        string `json:"user_a_id"`
	UserBID        string `json:"user_b_id,omitempty"`
	Phase          string `json:"phase"`
	PhaseStartedAt string `json:"phase_started_at"`
	Deadline       string `json:"deadline,omitempty"`

	EvidenceA *EvidenceView `json:"evidence_a,omitempty"`
	EvidenceB *EvidenceView `json:"evidence_b,omitempty"`
	// AwaitingEvidence lists the parties that have not submitted yet.
	AwaitingEvidence []string `json:"awaiting_evidence,omitempty"`

	Verdict           *VerdictView     `json:"verdict,omitempty"`
	ResolutionMenu    []ResolutionView `json:"resolution_menu,omitempty"`
	YourPick          string           `json:"your_pick,omitempty"`
	PartnerPicked     bool             `json:"partner_picked,omitempty"`
	LockedResolution  string           `json:"locked_resolution_id,omitempty"`
	LockOwner         string           `json:"lock_owner_user_id,omitempty"`
	FinalResolutionID string           `json:"final_resolution_id,omitempty"`
	CloseReason       string           `json:"close_reason,omitempty"`
	ErrorContext      string           `json:"error_context,omitempty"`

	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type EvidenceView struct {
	Facts       string `json:"facts"`
	Feelings    string `json:"feelings,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

type ResolutionView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Hybrid      bool   `json:"hybrid,omitempty"`
}

type VerdictView struct {
	Summary     string `json:"summary"`
	Reasoning   string `json:"reasoning,omitempty"`
	GeneratedAt string `json:"generated_at"`
}

// SnapshotFor renders the session as seen by viewerID. A party sees
// the partner's evidence only after both sides have submitted; before
// that only its own submission is echoed back.
func SnapshotFor(session domain.Session, viewerID string, timeoutFor func(domain.Phase) time.Duration) Snapshot {
	snapshot := Snapshot{
		ID:                session.ID,
		CoupleID:          session.CoupleID,
		UserAID:           session.UserAID,
		UserBID:           session.UserBID,
		Phase:             string(session.Phase),
		PhaseStartedAt:    session.PhaseStartedAt.UTC().Format(time.RFC3339),
		FinalResolutionID: session.FinalResolutionID,
		CloseReason:       session.CloseReason,
		ErrorContext:      session.ErrorContext,
		Version:           session.Version,
		CreatedAt:         session.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         session.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if deadline, ok := session.Deadline(timeoutFor); ok {
		snapshot.Deadline = deadline.UTC().Format(time.RFC3339)
	}
	for _, party := range session.AwaitingEvidence() {
		snapshot.AwaitingEvidence = append(snapshot.AwaitingEvidence, string(party))
	}

	viewer := session.PartyOf(viewerID)
	bothSubmitted := session.EvidenceA != nil && session.EvidenceB != nil
	if session.EvidenceA != nil && (bothSubmitted || viewer == domain.PartyA) {
		snapshot.EvidenceA = evidenceView(session.EvidenceA)
	}
	if session.EvidenceB != nil && (bothSubmitted || viewer == domain.PartyB) {
		snapshot.EvidenceB = evidenceView(session.EvidenceB)
	}

	if session.Verdict != nil {
		snapshot.Verdict = &VerdictView{
			Summary:     session.Verdict.Summary,
			Reasoning:   session.Verdict.Reasoning,
			GeneratedAt: session.Verdict.GeneratedAt.UTC().Format(time.RFC3339),
		}
	}
	for _, option := range session.ResolutionMenu {
		snapshot.ResolutionMenu = append(snapshot.ResolutionMenu, ResolutionView{
			ID:          option.ID,
			Title:       option.Title,
			Description: option.Description,
			Hybrid:      option.Hybrid,
		})
	}

	snapshot.YourPick = session.PickFor(viewer)
	switch viewer {
	case domain.PartyA:
		snapshot.PartnerPicked = session.Picks.UserB != ""
	case domain.PartyB:
		snapshot.PartnerPicked = session.Picks.UserA != ""
	}
	if session.Lock != nil {
		snapshot.LockedResolution = session.Lock.ResolutionID
		snapshot.LockOwner = session.Lock.OwnerUserID
	}
	return snapshot
}

func evidenceView(evidence *domain.Evidence) *EvidenceView {
	return &EvidenceView{
		Facts:       evidence.Facts,
		Feelings:    evidence.Feelings,
		SubmittedAt: evidence.SubmittedAt.UTC().Format(time.RFC3339),
	}
}

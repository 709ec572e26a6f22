package gateway

import (
	"testing"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
)

func timeoutOf(d time.Duration) func(domain.Phase) time.Duration {
	return func(domain.Phase) time.Duration { return d }
}

func TestSnapshotHidesPartnerEvidenceUntilBothSubmit(t *testing.T) {
	t.Parallel()

	session := testSession()
	forA := SnapshotFor(session, "user-a", nil)
	if forA.EvidenceA == nil || forA.EvidenceA.Facts != session.EvidenceA.Facts {
		t.Fatalf("party A view = %+v, want own evidence", forA.EvidenceA)
	}
	forB := SnapshotFor(session, "user-b", nil)
	if forB.EvidenceA != nil {
		t.Fatalf("party B view leaked partner evidence: %+v", forB.EvidenceA)
	}
	if len(forB.AwaitingEvidence) != 1 || forB.AwaitingEvidence[0] != string(domain.PartyB) {
		t.Fatalf("awaiting evidence = %v, want [%s]", forB.AwaitingEvidence, domain.PartyB)
	}

	session.EvidenceB = &domain.Evidence{Facts: "plans changed last minute", SubmittedAt: session.PhaseStartedAt}
	forA = SnapshotFor(session, "user-a", nil)
	if forA.EvidenceB == nil || forA.EvidenceB.Facts != "plans changed last minute" {
		t.Fatalf("party A view after both submitted = %+v", forA.EvidenceB)
	}
}

func TestSnapshotDeadlineComesFromPhaseClock(t *testing.T) {
	t.Parallel()

	session := testSession()
	snapshot := SnapshotFor(session, "user-a", timeoutOf(time.Hour))
	want := session.PhaseStartedAt.Add(time.Hour).UTC().Format(time.RFC3339)
	if snapshot.Deadline != want {
		t.Fatalf("deadline = %q, want %q", snapshot.Deadline, want)
	}

	if got := SnapshotFor(session, "user-a", timeoutOf(0)); got.Deadline != "" {
		t.Fatalf("phase without a timeout produced deadline %q", got.Deadline)
	}
}

func TestSnapshotCarriesPickAndLockState(t *testing.T) {
	t.Parallel()

	session := testSession()
	session.Phase = domain.PhaseResolutionPick
	session.ResolutionMenu = []domain.Resolution{
		{ID: "r1", Title: "Alternate dish nights"},
		{ID: "r2", Title: "Hire it out", Hybrid: true},
	}
	session.Picks = domain.MismatchPicks{UserA: "r1"}
	session.Lock = &domain.ResolutionLock{ResolutionID: "r1", OwnerUserID: "user-a"}

	forA := SnapshotFor(session, "user-a", nil)
	if forA.YourPick != "r1" || forA.PartnerPicked {
		t.Fatalf("party A pick view = %q partner_picked=%v", forA.YourPick, forA.PartnerPicked)
	}
	forB := SnapshotFor(session, "user-b", nil)
	if forB.YourPick != "" || !forB.PartnerPicked {
		t.Fatalf("party B pick view = %q partner_picked=%v", forB.YourPick, forB.PartnerPicked)
	}
	if forB.LockedResolution != "r1" || forB.LockOwner != "user-a" {
		t.Fatalf("lock view = %q owned by %q", forB.LockedResolution, forB.LockOwner)
	}
	if len(forB.ResolutionMenu) != 2 || !forB.ResolutionMenu[1].Hybrid {
		t.Fatalf("menu view = %+v", forB.ResolutionMenu)
	}
}

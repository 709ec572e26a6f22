// Package verdict calls the upstream analysis service that turns a
// couple's evidence into a verdict and a resolution menu.
package verdict

import (
	"context"

	"github.com/louisbranch/couplescourt/internal/court/domain"
)

// Request carries both parties' submissions for analysis.
type Request struct {
	SessionID string
	CoupleID  string
	EvidenceA domain.Evidence
	EvidenceB domain.Evidence
	// Forfeit marks an analysis run where one side never submitted.
	Forfeit bool
}

// HybridRequest asks for a blended option after both parties picked
// different resolutions.
type HybridRequest struct {
	SessionID string
	Verdict   domain.Verdict
	PickA     domain.Resolution
	PickB     domain.Resolution
}

// Generator produces verdicts and hybrid resolutions. The orchestrator
// only depends on this interface; tests substitute a fake.
type Generator interface {
	GenerateVerdict(ctx context.Context, req Request) (domain.Verdict, error)
	GenerateHybrid(ctx context.Context, req HybridRequest) (domain.Resolution, error)
}

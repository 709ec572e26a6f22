// Package risk screens user-authored text before it enters a session.
// The gate fails closed: when the screening service cannot answer, the
// content is rejected rather than waved through.
package risk

import "context"

// Action names the admission-gated operation being screened.
type Action string

const (
	ActionCreateSession  Action = "create_session"
	ActionSubmitEvidence Action = "submit_evidence"
)

// Check is one screening request. Text carries the user-authored
// content when the action has any.
type Check struct {
	Action   Action
	UserID   string
	CoupleID string
	Text     string
}

// Decision is the screening outcome. Reason is only set on a block and
// is safe to show to the submitting user.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate screens text. Implementations must treat their own failures as
// a block.
type Gate interface {
	Screen(ctx context.Context, check Check) (Decision, error)
}

// AllowAll is the development gate used when no screening service is
// configured.
type AllowAll struct{}

func (AllowAll) Screen(context.Context, Check) (Decision, error) {
	return Decision{Allowed: true}, nil
}

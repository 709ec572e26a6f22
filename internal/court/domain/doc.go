// Package domain defines the court session entity and its pure lifecycle
// transitions.
//
// A Session walks an ordered sequence of phases: WAITING through evidence
// exchange and analysis to resolution picking, with an explicit
// RESOLUTION_PICK <-> MISMATCH cycle for diverging picks, ending in SETTLED,
// CLOSED, or EXPIRED. Every mutation here is a pure function from a session
// value to a new session value: validation and phase legality are decided
// without I/O so the rules are replayable and independently testable. The
// orchestrator layers persistence, distributed coordination, and timers on
// top of these decisions.
package domain

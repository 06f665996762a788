// Package transition drives the recovery-configuration lifecycle: it
// validates requested state changes against a fixed table, fans the work out
// to target compute nodes with bounded concurrency, persists per-target
// outcomes incrementally, and resumes interrupted rollouts after a restart.
// Mutual exclusion between concurrent transition requests rests entirely on
// the store's version tags; no in-process locks are involved, so multiple
// server processes behind a load balancer coordinate correctly.
package transition

import (
	"errors"

	"github.com/chassis-systems/piv-recovery-backend/model"
)

var (
	// ErrInvalidTransition is returned when the requested action is not
	// legal from the configuration's current state. Nothing is mutated.
	ErrInvalidTransition = errors.New("transition: invalid transition")

	// ErrTransitionInFlight is returned when another transition holds the
	// configuration and the request did not set Force.
	ErrTransitionInFlight = errors.New("transition: transition already in flight")
)

// Action is a requested lifecycle state change.
type Action string

const (
	ActionActivate   Action = "activate"
	ActionExpire     Action = "expire"
	ActionDeactivate Action = "deactivate"
)

// legalTransitions is the fixed table: action -> current state -> next
// state. Anything absent is an invalid transition.
var legalTransitions = map[Action]map[model.State]model.State{
	ActionActivate: {
		model.StateStaged: model.StateActive,
	},
	ActionExpire: {
		model.StateActive: model.StateExpired,
	},
	ActionDeactivate: {
		model.StateActive:  model.StateDeactivated,
		model.StateExpired: model.StateDeactivated,
	},
}

// NextState resolves the table. ok is false for unknown actions and illegal
// current states alike.
func NextState(action Action, current model.State) (model.State, bool) {
	states, ok := legalTransitions[action]
	if !ok {
		return "", false
	}
	next, ok := states[current]
	return next, ok
}

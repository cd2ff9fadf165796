// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import "github.com/ManuGH/factoryd/internal/core/model"

// allowedTransitions is the complete run state machine. Edges not listed
// here are rejected without any mutation or event write. Terminal states
// have no outgoing edges.
var allowedTransitions = map[model.RunState][]model.RunState{
	model.RunClaimed: {
		model.RunRunning, model.RunCanceled, model.RunTimedOut, model.RunFailed,
	},
	model.RunRunning: {
		model.RunBlocked, model.RunSucceeded, model.RunFailed,
		model.RunTimedOut, model.RunCanceled, model.RunAwaitingApproval,
	},
	model.RunBlocked: {
		model.RunRunning, model.RunCanceled, model.RunTimedOut, model.RunFailed,
	},
	model.RunAwaitingApproval: {
		model.RunRunning, model.RunCanceled, model.RunTimedOut,
	},
	model.RunSucceeded: {},
	model.RunFailed:    {},
	model.RunTimedOut:  {},
	model.RunCanceled:  {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to model.RunState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// RunState is the supervisor-owned lifecycle of a single execution attempt.
type RunState string

const (
	RunClaimed          RunState = "CLAIMED"
	RunRunning          RunState = "RUNNING"
	RunBlocked          RunState = "BLOCKED"
	RunAwaitingApproval RunState = "AWAITING_APPROVAL"
	RunSucceeded        RunState = "SUCCEEDED"
	RunFailed           RunState = "FAILED"
	RunTimedOut         RunState = "TIMED_OUT"
	RunCanceled         RunState = "CANCELED"
)

// IsTerminal returns true if the state is final.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunCanceled:
		return true
	}
	return false
}

// Budget bounds a run's execution in wall-clock minutes and token count.
type Budget struct {
	MaxMinutes int `json:"maxMinutes"`
	MaxTokens  int `json:"maxTokens"`
}

// Valid rejects non-positive budgets.
func (b Budget) Valid() bool {
	return b.MaxMinutes > 0 && b.MaxTokens > 0
}

// Run is a single execution attempt against a ticket by an agent harness.
// LeaseToken is captured at dispatch time and retained after the ticket
// transitions away; it settles the ticket on terminal transition.
type Run struct {
	ID           string    `json:"id"`
	TicketID     string    `json:"ticketId"`
	Harness      string    `json:"harness"`
	State        RunState  `json:"state"`
	SandboxID    string    `json:"sandboxId,omitempty"`
	LeaseToken   string    `json:"leaseToken"`
	Budget       Budget    `json:"budget"`
	TokenCount   int       `json:"tokenCount"`
	StartedAt    time.Time `json:"startedAt"`
	HeartbeatAt  time.Time `json:"heartbeatAt"`
	EndedAt      time.Time `json:"endedAt,omitzero"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// RunEvent is one append-only ledger row. Rows are never mutated or
// deleted; ordering by ID equals commit order.
type RunEvent struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"runId"`
	TicketID  string         `json:"ticketId"`
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Run event types written by the supervisor.
const (
	EventRunClaimed      = "run_claimed"
	EventStateTransition = "state_transition"
	EventBudgetCheck     = "budget_check"
)

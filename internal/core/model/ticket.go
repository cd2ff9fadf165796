// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model holds the persisted domain records of the control plane.
// Context, acceptance criteria and event payloads are opaque blobs; the
// core serializes them to JSON at the store boundary and never inspects
// their shape.
package model

import "time"

// TicketStatus is the backlog-visible lifecycle of a ticket.
type TicketStatus string

const (
	TicketReady     TicketStatus = "READY"
	TicketClaimed   TicketStatus = "CLAIMED"
	TicketCompleted TicketStatus = "COMPLETED"
	TicketFailed    TicketStatus = "FAILED"
)

// IsTerminal returns true if the status is final for the stored record.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketCompleted || s == TicketFailed
}

// TicketPriority orders dispatch. CRITICAL sorts before LOW.
type TicketPriority string

const (
	PriorityCritical TicketPriority = "CRITICAL"
	PriorityHigh     TicketPriority = "HIGH"
	PriorityMedium   TicketPriority = "MEDIUM"
	PriorityLow      TicketPriority = "LOW"
)

// Rank returns the dispatch sort rank; unknown priorities sort last.
func (p TicketPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the priority is one of the four known levels.
func (p TicketPriority) Valid() bool {
	return p.Rank() < 4
}

// Ticket is a durable unit of work ingested from an upstream source.
//
// Lease invariants: status CLAIMED implies all three lease fields are set;
// READY/COMPLETED/FAILED imply they are empty.
type Ticket struct {
	ID                 string         `json:"id"`
	Source             string         `json:"source"`
	Type               string         `json:"type"`
	Priority           TicketPriority `json:"priority"`
	Repo               string         `json:"repo"`
	Context            map[string]any `json:"context,omitempty"`
	AcceptanceCriteria []string       `json:"acceptanceCriteria,omitempty"`
	IdempotencyKey     string         `json:"idempotencyKey"`
	Status             TicketStatus   `json:"status"`
	Attempts           int            `json:"attempts"`
	LeaseOwner         string         `json:"leaseOwner,omitempty"`
	LeaseToken         string         `json:"leaseToken,omitempty"`
	LeaseExpiresAt     time.Time      `json:"leaseExpiresAt,omitzero"`
	LastFailureReason  string         `json:"lastFailureReason,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Lease is a time-bounded exclusive authority over a ticket. Rows are
// append-only audit records; ReleasedAt is set exactly once on settle.
type Lease struct {
	ID         int64     `json:"id"`
	TicketID   string    `json:"ticketId"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ReleasedAt time.Time `json:"releasedAt,omitzero"`
	CreatedAt  time.Time `json:"createdAt"`
}

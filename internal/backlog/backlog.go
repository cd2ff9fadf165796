// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package backlog is the sole mutator of ticket and lease rows. Every
// operation is safe under concurrent callers: claims and heartbeats are
// single conditional UPDATEs, so the store decides the winner, not the
// caller's view of the row.
//
// Expected race outcomes (lost claim, stale token, missing row) are nil
// returns, not errors. Infrastructure failures wrap ErrUnavailable so
// callers can retry.
package backlog

import (
	"context"
	"errors"

	"github.com/ManuGH/factoryd/internal/core/model"
)

var (
	// ErrUnavailable marks transient store failures; callers may retry.
	ErrUnavailable = errors.New("backlog unavailable")
	// ErrValidation marks malformed input rejected before any store write.
	ErrValidation = errors.New("invalid ticket")
)

// Backlog is the public ticket/lease surface.
//
// All methods returning a pointer use nil (with nil error) for "lost the
// race or not authoritative": ticket missing, lease invalid, or state moved.
type Backlog interface {
	// Create inserts a ticket idempotently. Two calls with the same
	// idempotency key return the same stored row; the returned ID may
	// differ from the input's.
	Create(ctx context.Context, ticket *model.Ticket) (*model.Ticket, error)

	// FetchReady returns at most limit READY tickets ordered by priority
	// rank, then created_at, then id for deterministic tie-breaking.
	FetchReady(ctx context.Context, limit int) ([]*model.Ticket, error)

	// Claim atomically takes a ticket that is READY or holds an expired
	// lease. At most one concurrent caller wins.
	Claim(ctx context.Context, ticketID, owner string) (*model.Lease, error)

	// Heartbeat extends a still-valid lease by the configured TTL.
	Heartbeat(ctx context.Context, ticketID, leaseToken string) (*model.Lease, error)

	// Complete terminally marks the ticket COMPLETED under lease authority.
	Complete(ctx context.Context, ticketID, leaseToken string) (*model.Ticket, error)

	// Fail terminally marks the ticket FAILED, increments attempts and
	// records the failure reason, under lease authority.
	Fail(ctx context.Context, ticketID, leaseToken, reason string) (*model.Ticket, error)
}
